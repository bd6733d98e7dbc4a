package devsim

import (
	"math"

	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
)

// handleFrame 处理一条已通过 CRC 校验的请求，返回响应载荷。
// 调用方持有 d.mu。
func (d *Device) handleFrame(msgType byte, payload []byte) (byte, []byte) {
	switch msgType {
	case vscope.MsgGetInfo:
		if len(payload) != 1 {
			return d.errFrame(vscope.CodeBadLen)
		}
		return msgType, vscope.EncodeDeviceInfo(d.info())

	case vscope.MsgGetTiming:
		if len(payload) != 1 {
			return d.errFrame(vscope.CodeBadLen)
		}
		return msgType, vscope.EncodeTiming(d.bo, d.timing)

	case vscope.MsgSetTiming:
		if len(payload) != 8 {
			return d.errFrame(vscope.CodeBadLen)
		}
		timing, err := vscope.DecodeTiming(d.bo, payload)
		if err != nil {
			return d.errFrame(vscope.CodeBadLen)
		}
		if timing.Divider == 0 || timing.PreTrig > uint32(d.opt.BufferSize) {
			return d.errFrame(vscope.CodeBadParam)
		}
		if d.state != vscope.StateStopped {
			return d.errFrame(vscope.CodeBadParam)
		}
		d.timing = timing
		return msgType, vscope.EncodeTiming(d.bo, d.timing)

	case vscope.MsgGetState:
		if len(payload) != 1 {
			return d.errFrame(vscope.CodeBadLen)
		}
		return msgType, []byte{byte(d.state)}

	case vscope.MsgSetState:
		if len(payload) != 1 {
			return d.errFrame(vscope.CodeBadLen)
		}
		requested := vscope.DeviceState(payload[0])
		if requested > vscope.StateAcquiring {
			return d.errFrame(vscope.CodeBadParam)
		}
		d.applyStateRequest(requested)
		return msgType, []byte{byte(d.state)}

	case vscope.MsgTrigger:
		if len(payload) != 1 {
			return d.errFrame(vscope.CodeBadLen)
		}
		if d.state == vscope.StateRunning {
			d.beginAcquisition()
		}
		return msgType, []byte{byte(d.state)}

	case vscope.MsgGetFrame:
		if len(payload) != 1 {
			return d.errFrame(vscope.CodeBadLen)
		}
		return msgType, vscope.EncodeF32Slice(d.bo, d.live)

	case vscope.MsgGetSnapshotHeader:
		if len(payload) != 1 {
			return d.errFrame(vscope.CodeBadLen)
		}
		if !d.snapshotValid {
			return d.errFrame(vscope.CodeNotReady)
		}
		return msgType, vscope.EncodeSnapshotHeader(d.bo, d.snapHeader)

	case vscope.MsgGetSnapshotData:
		return d.handleSnapshotData(payload)

	case vscope.MsgGetVarList:
		return d.handleCatalog(msgType, payload, d.varNames)

	case vscope.MsgGetRtLabels:
		return d.handleCatalog(msgType, payload, d.rtNames)

	case vscope.MsgGetChannelLabels:
		return d.handleCatalog(msgType, payload, d.channelLabels())

	case vscope.MsgGetChannelMap:
		if len(payload) != 1 {
			return d.errFrame(vscope.CodeBadLen)
		}
		return msgType, append([]byte(nil), d.channelMap...)

	case vscope.MsgSetChannelMap:
		if len(payload) != d.opt.ChannelCount {
			return d.errFrame(vscope.CodeBadLen)
		}
		for _, id := range payload {
			if int(id) >= len(d.varNames) {
				return d.errFrame(vscope.CodeBadParam)
			}
		}
		copy(d.channelMap, payload)
		return msgType, append([]byte(nil), d.channelMap...)

	case vscope.MsgGetRtBuffer:
		if len(payload) != 1 {
			return d.errFrame(vscope.CodeBadLen)
		}
		idx := int(payload[0])
		if idx >= len(d.rtValues) {
			return d.errFrame(vscope.CodeRange)
		}
		return msgType, vscope.EncodeF32Slice(d.bo, d.rtValues[idx:idx+1])

	case vscope.MsgSetRtBuffer:
		if len(payload) != 5 {
			return d.errFrame(vscope.CodeBadLen)
		}
		idx := int(payload[0])
		if idx >= len(d.rtValues) {
			return d.errFrame(vscope.CodeRange)
		}
		d.rtValues[idx] = math.Float32frombits(d.bo.Uint32(payload[1:5]))
		return msgType, vscope.EncodeF32Slice(d.bo, d.rtValues[idx:idx+1])

	case vscope.MsgGetTrigger:
		if len(payload) != 1 {
			return d.errFrame(vscope.CodeBadLen)
		}
		return msgType, vscope.EncodeTriggerConfig(d.bo, d.trigger)

	case vscope.MsgSetTrigger:
		if len(payload) != 6 {
			return d.errFrame(vscope.CodeBadLen)
		}
		cfg, err := vscope.DecodeTriggerConfig(d.bo, payload)
		if err != nil {
			return d.errFrame(vscope.CodeBadLen)
		}
		if int(cfg.Channel) >= d.opt.ChannelCount || !cfg.Mode.Valid() {
			return d.errFrame(vscope.CodeBadParam)
		}
		d.trigger = cfg
		return msgType, vscope.EncodeTriggerConfig(d.bo, d.trigger)

	default:
		return d.errFrame(vscope.CodeBadParam)
	}
}

func (d *Device) errFrame(code vscope.DeviceCode) (byte, []byte) {
	return vscope.MsgError, []byte{byte(code)}
}

func (d *Device) applyStateRequest(requested vscope.DeviceState) {
	switch requested {
	case vscope.StateStopped:
		if d.state == vscope.StateRunning || d.state == vscope.StateAcquiring {
			d.state = vscope.StateStopped
		}
	case vscope.StateRunning:
		if d.state == vscope.StateStopped {
			d.state = vscope.StateRunning
			d.snapshotValid = false
		}
	case vscope.StateAcquiring:
		if d.state == vscope.StateRunning {
			d.beginAcquisition()
		}
	}
}

func (d *Device) channelLabels() []string {
	labels := make([]string, d.opt.ChannelCount)
	for i, id := range d.channelMap {
		if int(id) < len(d.varNames) {
			labels[i] = d.varNames[id]
		}
	}
	return labels
}

// handleCatalog 目录分页：请求 (start, count)，count=0xFF 表示“其余全部”，
// 实际条数受载荷容量限制。
func (d *Device) handleCatalog(msgType byte, payload []byte, names []string) (byte, []byte) {
	if len(payload) != 2 {
		return d.errFrame(vscope.CodeBadLen)
	}
	start := int(payload[0])
	requested := int(payload[1])
	total := len(names)
	if start > total {
		return d.errFrame(vscope.CodeBadParam)
	}

	entrySize := 1 + d.opt.NameLen
	maxEntries := (vscope.MaxPayloadLen - 3) / entrySize
	available := total - start
	desired := requested
	if requested == 0xFF {
		desired = available
	}
	count := min(desired, min(available, maxEntries))

	page := vscope.CatalogPage{Total: uint8(total), Start: uint8(start)}
	for i := 0; i < count; i++ {
		page.Entries = append(page.Entries, vscope.CatalogEntry{
			Index: uint8(start + i),
			Name:  names[start+i],
		})
	}
	return msgType, vscope.EncodeCatalogPage(page, d.opt.NameLen)
}

func (d *Device) handleSnapshotData(payload []byte) (byte, []byte) {
	if !d.snapshotValid {
		return d.errFrame(vscope.CodeNotReady)
	}
	if len(payload) != 3 {
		return d.errFrame(vscope.CodeBadLen)
	}
	start := int(d.bo.Uint16(payload[0:2]))
	count := int(payload[2])
	if start >= d.opt.BufferSize || count == 0 || start+count > d.opt.BufferSize {
		return d.errFrame(vscope.CodeBadParam)
	}
	if count > vscope.MaxSnapshotSamples(d.opt.ChannelCount) {
		return d.errFrame(vscope.CodeBadLen)
	}

	vals := make([]float32, 0, count*d.opt.ChannelCount)
	for i := 0; i < count; i++ {
		row := d.buffer[(d.firstElement+start+i)%d.opt.BufferSize]
		vals = append(vals, row...)
	}
	return vscope.MsgGetSnapshotData, vscope.EncodeF32Slice(d.bo, vals)
}
