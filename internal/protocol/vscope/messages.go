package vscope

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// DecodeError 响应结构解码失败（非设备上报错误）。
// 正常运行中出现通常意味着版本不匹配或 CRC 漏检，应高调记录。
type DecodeError struct {
	Msg string
}

func (e *DecodeError) Error() string { return "decode error: " + e.Msg }

func decodeErrf(format string, args ...any) error {
	return &DecodeError{Msg: fmt.Sprintf(format, args...)}
}

// FlagBigEndian DeviceInfo.Flags 的字节序标志位
const FlagBigEndian byte = 0x01

// DeviceInfo GetInfo 响应。设备连接后只取一次，复位前不变。
type DeviceInfo struct {
	Version       uint8
	Flags         uint8
	ChannelCount  uint8
	BufferSize    uint16
	SampleRateKHz uint16
	VarCount      uint8
	RtCount       uint8
	NameLen       uint8
	Name          string
}

// ByteOrder 返回设备声明的多字节字段字节序。
// 单字节前缀（version/flags）先于一切多字节字段，因此解码 GetInfo
// 本身不依赖事先已知的字节序。
func (i DeviceInfo) ByteOrder() binary.ByteOrder {
	if i.Flags&FlagBigEndian != 0 {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Static 数值型静态字段，供跨设备一致性比较
type StaticInfo struct {
	Version       uint8
	ChannelCount  uint8
	BufferSize    uint16
	SampleRateKHz uint16
	VarCount      uint8
	RtCount       uint8
	NameLen       uint8
}

func (i DeviceInfo) Static() StaticInfo {
	return StaticInfo{
		Version:       i.Version,
		ChannelCount:  i.ChannelCount,
		BufferSize:    i.BufferSize,
		SampleRateKHz: i.SampleRateKHz,
		VarCount:      i.VarCount,
		RtCount:       i.RtCount,
		NameLen:       i.NameLen,
	}
}

// DecodeDeviceInfo 解析 GetInfo 响应载荷
func DecodeDeviceInfo(p []byte) (DeviceInfo, error) {
	const fixed = 10
	if len(p) < fixed {
		return DeviceInfo{}, decodeErrf("info payload too short: %d", len(p))
	}
	info := DeviceInfo{
		Version:      p[0],
		Flags:        p[1],
		ChannelCount: p[2],
		VarCount:     p[7],
		RtCount:      p[8],
		NameLen:      p[9],
	}
	bo := info.ByteOrder()
	info.BufferSize = bo.Uint16(p[3:5])
	info.SampleRateKHz = bo.Uint16(p[5:7])
	if len(p) != fixed+int(info.NameLen) {
		return DeviceInfo{}, decodeErrf("info payload len %d, want %d", len(p), fixed+int(info.NameLen))
	}
	info.Name = trimName(p[fixed:])
	return info, nil
}

// EncodeDeviceInfo 编码 GetInfo 响应载荷（设备侧）
func EncodeDeviceInfo(info DeviceInfo) []byte {
	bo := info.ByteOrder()
	p := make([]byte, 10+int(info.NameLen))
	p[0] = info.Version
	p[1] = info.Flags
	p[2] = info.ChannelCount
	bo.PutUint16(p[3:5], info.BufferSize)
	bo.PutUint16(p[5:7], info.SampleRateKHz)
	p[7] = info.VarCount
	p[8] = info.RtCount
	p[9] = info.NameLen
	putName(p[10:], info.Name)
	return p
}

// Timing 采样分频与预触发深度
type Timing struct {
	Divider uint32
	PreTrig uint32
}

func DecodeTiming(bo binary.ByteOrder, p []byte) (Timing, error) {
	if len(p) != 8 {
		return Timing{}, decodeErrf("timing payload len %d, want 8", len(p))
	}
	return Timing{Divider: bo.Uint32(p[0:4]), PreTrig: bo.Uint32(p[4:8])}, nil
}

func EncodeTiming(bo binary.ByteOrder, t Timing) []byte {
	p := make([]byte, 8)
	bo.PutUint32(p[0:4], t.Divider)
	bo.PutUint32(p[4:8], t.PreTrig)
	return p
}

// TriggerConfig 触发配置
type TriggerConfig struct {
	Threshold float32
	Channel   uint8
	Mode      TriggerMode
}

func DecodeTriggerConfig(bo binary.ByteOrder, p []byte) (TriggerConfig, error) {
	if len(p) != 6 {
		return TriggerConfig{}, decodeErrf("trigger payload len %d, want 6", len(p))
	}
	return TriggerConfig{
		Threshold: math.Float32frombits(bo.Uint32(p[0:4])),
		Channel:   p[4],
		Mode:      TriggerMode(p[5]),
	}, nil
}

func EncodeTriggerConfig(bo binary.ByteOrder, t TriggerConfig) []byte {
	p := make([]byte, 6)
	bo.PutUint32(p[0:4], math.Float32bits(t.Threshold))
	p[4] = t.Channel
	p[5] = byte(t.Mode)
	return p
}

// DecodeState 解析单字节状态载荷
func DecodeState(p []byte) (DeviceState, error) {
	if len(p) != 1 {
		return 0, decodeErrf("state payload len %d, want 1", len(p))
	}
	s := DeviceState(p[0])
	if !s.Valid() {
		return 0, decodeErrf("unknown device state %d", p[0])
	}
	return s, nil
}

// DecodeChannelMap 解析通道映射（每通道一个变量索引）
func DecodeChannelMap(p []byte, channelCount int) ([]uint8, error) {
	if len(p) != channelCount {
		return nil, decodeErrf("channel map len %d, want %d", len(p), channelCount)
	}
	out := make([]uint8, channelCount)
	copy(out, p)
	return out, nil
}

// CatalogEntry 目录项：(设备本地索引, 名称)
type CatalogEntry struct {
	Index uint8
	Name  string
}

// CatalogPage 一次分页响应的窗口
type CatalogPage struct {
	Total   uint8
	Start   uint8
	Entries []CatalogEntry
}

// EncodeCatalogRequest 分页请求载荷 (start, count)
func EncodeCatalogRequest(start, count uint8) []byte {
	return []byte{start, count}
}

// DecodeCatalogPage 解析目录分页响应，nameLen 来自 DeviceInfo
func DecodeCatalogPage(p []byte, nameLen int) (CatalogPage, error) {
	if nameLen <= 0 {
		return CatalogPage{}, decodeErrf("invalid name len %d", nameLen)
	}
	if len(p) < 3 {
		return CatalogPage{}, decodeErrf("catalog page too short: %d", len(p))
	}
	page := CatalogPage{Total: p[0], Start: p[1]}
	count := int(p[2])
	entrySize := 1 + nameLen
	if len(p) != 3+count*entrySize {
		return CatalogPage{}, decodeErrf("catalog page len %d, want %d", len(p), 3+count*entrySize)
	}
	page.Entries = make([]CatalogEntry, 0, count)
	for i := 0; i < count; i++ {
		off := 3 + i*entrySize
		page.Entries = append(page.Entries, CatalogEntry{
			Index: p[off],
			Name:  trimName(p[off+1 : off+entrySize]),
		})
	}
	return page, nil
}

// EncodeCatalogPage 编码目录分页响应（设备侧）
func EncodeCatalogPage(page CatalogPage, nameLen int) []byte {
	entrySize := 1 + nameLen
	p := make([]byte, 3, 3+len(page.Entries)*entrySize)
	p[0] = page.Total
	p[1] = page.Start
	p[2] = byte(len(page.Entries))
	for _, e := range page.Entries {
		p = append(p, e.Index)
		name := make([]byte, nameLen)
		putName(name, e.Name)
		p = append(p, name...)
	}
	return p
}

// DecodeF32Slice 解析定长 float32 数组（活值帧、快照数据）
func DecodeF32Slice(bo binary.ByteOrder, p []byte, want int) ([]float32, error) {
	if len(p) != want*4 {
		return nil, decodeErrf("float payload len %d, want %d", len(p), want*4)
	}
	out := make([]float32, want)
	for i := range out {
		out[i] = math.Float32frombits(bo.Uint32(p[i*4 : i*4+4]))
	}
	return out, nil
}

// EncodeF32Slice 编码 float32 数组（设备侧）
func EncodeF32Slice(bo binary.ByteOrder, vals []float32) []byte {
	p := make([]byte, len(vals)*4)
	for i, v := range vals {
		bo.PutUint32(p[i*4:i*4+4], math.Float32bits(v))
	}
	return p
}

// DecodeRtValue 解析 RT 寄存器读写响应（单个 f32）
func DecodeRtValue(bo binary.ByteOrder, p []byte) (float32, error) {
	if len(p) != 4 {
		return 0, decodeErrf("rt value payload len %d, want 4", len(p))
	}
	return math.Float32frombits(bo.Uint32(p)), nil
}

// EncodeRtWrite SetRtBuffer 请求载荷 (index, value)
func EncodeRtWrite(bo binary.ByteOrder, index uint8, value float32) []byte {
	p := make([]byte, 5)
	p[0] = index
	bo.PutUint32(p[1:5], math.Float32bits(value))
	return p
}

// SnapshotHeader 快照元数据：采集时刻的配置与 RT 值
type SnapshotHeader struct {
	ChannelMap []uint8
	Timing     Timing
	Trigger    TriggerConfig
	RtValues   []float32
}

// DecodeSnapshotHeader 解析快照头，channelCount 来自 DeviceInfo
func DecodeSnapshotHeader(bo binary.ByteOrder, p []byte, channelCount int) (SnapshotHeader, error) {
	fixed := channelCount + 4 + 4 + 4 + 1 + 1
	if len(p) < fixed {
		return SnapshotHeader{}, decodeErrf("snapshot header len %d, want >=%d", len(p), fixed)
	}
	if (len(p)-fixed)%4 != 0 {
		return SnapshotHeader{}, decodeErrf("snapshot header rt block len %d not multiple of 4", len(p)-fixed)
	}
	h := SnapshotHeader{ChannelMap: make([]uint8, channelCount)}
	copy(h.ChannelMap, p[:channelCount])
	off := channelCount
	h.Timing.Divider = bo.Uint32(p[off : off+4])
	h.Timing.PreTrig = bo.Uint32(p[off+4 : off+8])
	h.Trigger.Threshold = math.Float32frombits(bo.Uint32(p[off+8 : off+12]))
	h.Trigger.Channel = p[off+12]
	h.Trigger.Mode = TriggerMode(p[off+13])
	rt, err := DecodeF32Slice(bo, p[fixed:], (len(p)-fixed)/4)
	if err != nil {
		return SnapshotHeader{}, err
	}
	h.RtValues = rt
	return h, nil
}

// EncodeSnapshotHeader 编码快照头（设备侧）
func EncodeSnapshotHeader(bo binary.ByteOrder, h SnapshotHeader) []byte {
	p := make([]byte, 0, len(h.ChannelMap)+14+len(h.RtValues)*4)
	p = append(p, h.ChannelMap...)
	p = append(p, EncodeTiming(bo, h.Timing)...)
	p = append(p, EncodeTriggerConfig(bo, h.Trigger)...)
	p = append(p, EncodeF32Slice(bo, h.RtValues)...)
	return p
}

// EncodeSnapshotDataRequest 快照数据分页请求 (startSample, count)
func EncodeSnapshotDataRequest(bo binary.ByteOrder, startSample uint16, count uint8) []byte {
	p := make([]byte, 3)
	bo.PutUint16(p[0:2], startSample)
	p[2] = count
	return p
}

// MaxSnapshotSamples 单帧快照数据可承载的采样点数
func MaxSnapshotSamples(channelCount int) int {
	if channelCount <= 0 {
		return 0
	}
	return MaxPayloadLen / (channelCount * 4)
}

func trimName(p []byte) string {
	if i := bytes.IndexByte(p, 0); i >= 0 {
		return string(p[:i])
	}
	return string(p)
}

func putName(dst []byte, name string) {
	n := copy(dst, name)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	if len(dst) > 0 && n == len(dst) {
		dst[len(dst)-1] = 0 // 保证 NUL 结尾，与固件 strncpy 行为一致
	}
}
