// Package client 在传输会话之上提供按消息类型分化的请求库：
// 编码请求载荷（按设备声明的字节序）→ 传输 → 校验设备错误码 → 结构化解码。
package client

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/taoyao-code/vscope-host/internal/metrics"
	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
	"github.com/taoyao-code/vscope-host/internal/serial"
)

// ErrInfoRequired 需要先 GetInfo 协商字节序与目录尺寸的请求被提前调用
var ErrInfoRequired = errors.New("device info not fetched yet")

// ErrRetriesExhausted CRC 重试次数耗尽（会话级故障）
var ErrRetriesExhausted = errors.New("crc retry attempts exhausted")

// Options 请求库参数
type Options struct {
	// CrcRetryAttempts CRC 失配时的额外重试次数
	CrcRetryAttempts int
	Logger           *zap.Logger
	Metrics          *metrics.AppMetrics
}

// Client 绑定到一个句柄的请求库。
// 状态类命令（SetState/SetTiming/SetTrigger/SetChannelMap/SetRtBuffer）
// 不保证幂等：超时后效果未确认，本层不会自动重发。
type Client struct {
	tr      *serial.Transport
	h       serial.Handle
	retries int
	met     *metrics.AppMetrics
	log     *zap.Logger

	info *vscope.DeviceInfo
	bo   binary.ByteOrder
}

// New 创建请求库实例
func New(tr *serial.Transport, h serial.Handle, opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CrcRetryAttempts < 0 {
		opts.CrcRetryAttempts = 0
	}
	return &Client{tr: tr, h: h, retries: opts.CrcRetryAttempts, met: opts.Metrics, log: log}
}

// Handle 返回底层句柄
func (c *Client) Handle() serial.Handle { return c.h }

// Info 返回已协商的设备信息
func (c *Client) Info() (vscope.DeviceInfo, bool) {
	if c.info == nil {
		return vscope.DeviceInfo{}, false
	}
	return *c.info, true
}

// roundTrip 一次请求/响应事务，含 CRC 失配重试。
// 超时等传输故障原样上抛（上层据此推断断连），只有 CRC 失配在这里重试。
func (c *Client) roundTrip(msgType byte, payload []byte) ([]byte, error) {
	frame, err := vscope.Encode(msgType, payload)
	if err != nil {
		return nil, err
	}

	attempts := c.retries + 1
	for attempt := 1; ; attempt++ {
		raw, err := c.tr.SendRequest(c.h, frame)
		if err != nil {
			return nil, err
		}
		respType, respPayload, err := vscope.Decode(raw)
		if errors.Is(err, vscope.ErrCrcMismatch) {
			if attempt < attempts {
				if c.met != nil {
					c.met.CrcRetryTotal.Inc()
				}
				c.log.Warn("response crc mismatch, retrying",
					zap.Uint64("handle", uint64(c.h)),
					zap.Uint8("msgType", msgType),
					zap.Int("attempt", attempt))
				continue
			}
			return nil, fmt.Errorf("%w after %d attempts", ErrRetriesExhausted, attempts)
		}
		if err != nil {
			return nil, &vscope.DecodeError{Msg: err.Error()}
		}
		if respType == vscope.MsgError {
			if len(respPayload) != 1 {
				return nil, &vscope.DecodeError{Msg: fmt.Sprintf("error frame payload len %d", len(respPayload))}
			}
			return nil, &vscope.DeviceError{Code: vscope.DeviceCode(respPayload[0])}
		}
		if respType != msgType {
			return nil, &vscope.DecodeError{Msg: fmt.Sprintf("response type 0x%02X for request 0x%02X", respType, msgType)}
		}
		return respPayload, nil
	}
}

var noArgs = []byte{vscope.Reserved}

func (c *Client) byteOrder() (binary.ByteOrder, error) {
	if c.bo == nil {
		return nil, ErrInfoRequired
	}
	return c.bo, nil
}

// GetInfo 获取设备静态信息并协商后续多字节字段的字节序
func (c *Client) GetInfo() (vscope.DeviceInfo, error) {
	p, err := c.roundTrip(vscope.MsgGetInfo, noArgs)
	if err != nil {
		return vscope.DeviceInfo{}, err
	}
	info, err := vscope.DecodeDeviceInfo(p)
	if err != nil {
		return vscope.DeviceInfo{}, err
	}
	c.info = &info
	c.bo = info.ByteOrder()
	return info, nil
}

// GetTiming 读取分频与预触发配置
func (c *Client) GetTiming() (vscope.Timing, error) {
	bo, err := c.byteOrder()
	if err != nil {
		return vscope.Timing{}, err
	}
	p, err := c.roundTrip(vscope.MsgGetTiming, noArgs)
	if err != nil {
		return vscope.Timing{}, err
	}
	return vscope.DecodeTiming(bo, p)
}

// SetTiming 写入配置，返回设备生效值
func (c *Client) SetTiming(t vscope.Timing) (vscope.Timing, error) {
	bo, err := c.byteOrder()
	if err != nil {
		return vscope.Timing{}, err
	}
	p, err := c.roundTrip(vscope.MsgSetTiming, vscope.EncodeTiming(bo, t))
	if err != nil {
		return vscope.Timing{}, err
	}
	return vscope.DecodeTiming(bo, p)
}

// GetState 读取采集状态
func (c *Client) GetState() (vscope.DeviceState, error) {
	p, err := c.roundTrip(vscope.MsgGetState, noArgs)
	if err != nil {
		return 0, err
	}
	return vscope.DecodeState(p)
}

// SetState 请求状态切换，返回设备当前状态
func (c *Client) SetState(s vscope.DeviceState) (vscope.DeviceState, error) {
	p, err := c.roundTrip(vscope.MsgSetState, []byte{byte(s)})
	if err != nil {
		return 0, err
	}
	return vscope.DecodeState(p)
}

// Trigger 手动触发，返回触发后的设备状态
func (c *Client) Trigger() (vscope.DeviceState, error) {
	p, err := c.roundTrip(vscope.MsgTrigger, noArgs)
	if err != nil {
		return 0, err
	}
	return vscope.DecodeState(p)
}

// GetFrame 读取一帧活值
func (c *Client) GetFrame() ([]float32, error) {
	bo, err := c.byteOrder()
	if err != nil {
		return nil, err
	}
	p, err := c.roundTrip(vscope.MsgGetFrame, noArgs)
	if err != nil {
		return nil, err
	}
	return vscope.DecodeF32Slice(bo, p, int(c.info.ChannelCount))
}

// GetChannelMap 读取通道映射
func (c *Client) GetChannelMap() ([]uint8, error) {
	if c.info == nil {
		return nil, ErrInfoRequired
	}
	p, err := c.roundTrip(vscope.MsgGetChannelMap, noArgs)
	if err != nil {
		return nil, err
	}
	return vscope.DecodeChannelMap(p, int(c.info.ChannelCount))
}

// SetChannelMap 写入通道映射，返回设备生效值
func (c *Client) SetChannelMap(m []uint8) ([]uint8, error) {
	if c.info == nil {
		return nil, ErrInfoRequired
	}
	if len(m) != int(c.info.ChannelCount) {
		return nil, &vscope.DecodeError{Msg: fmt.Sprintf("channel map len %d, want %d", len(m), c.info.ChannelCount)}
	}
	p, err := c.roundTrip(vscope.MsgSetChannelMap, append([]byte(nil), m...))
	if err != nil {
		return nil, err
	}
	return vscope.DecodeChannelMap(p, int(c.info.ChannelCount))
}

// GetVarList 变量目录分页
func (c *Client) GetVarList(start, count uint8) (vscope.CatalogPage, error) {
	return c.catalogPage(vscope.MsgGetVarList, start, count)
}

// GetChannelLabels 通道标签分页
func (c *Client) GetChannelLabels(start, count uint8) (vscope.CatalogPage, error) {
	return c.catalogPage(vscope.MsgGetChannelLabels, start, count)
}

// GetRtLabels RT 寄存器标签分页
func (c *Client) GetRtLabels(start, count uint8) (vscope.CatalogPage, error) {
	return c.catalogPage(vscope.MsgGetRtLabels, start, count)
}

func (c *Client) catalogPage(msgType byte, start, count uint8) (vscope.CatalogPage, error) {
	if c.info == nil {
		return vscope.CatalogPage{}, ErrInfoRequired
	}
	p, err := c.roundTrip(msgType, vscope.EncodeCatalogRequest(start, count))
	if err != nil {
		return vscope.CatalogPage{}, err
	}
	return vscope.DecodeCatalogPage(p, int(c.info.NameLen))
}

// GetRtBuffer 读取单个 RT 寄存器
func (c *Client) GetRtBuffer(index uint8) (float32, error) {
	bo, err := c.byteOrder()
	if err != nil {
		return 0, err
	}
	p, err := c.roundTrip(vscope.MsgGetRtBuffer, []byte{index})
	if err != nil {
		return 0, err
	}
	return vscope.DecodeRtValue(bo, p)
}

// SetRtBuffer 写入单个 RT 寄存器，返回设备生效值
func (c *Client) SetRtBuffer(index uint8, value float32) (float32, error) {
	bo, err := c.byteOrder()
	if err != nil {
		return 0, err
	}
	p, err := c.roundTrip(vscope.MsgSetRtBuffer, vscope.EncodeRtWrite(bo, index, value))
	if err != nil {
		return 0, err
	}
	return vscope.DecodeRtValue(bo, p)
}

// GetTrigger 读取触发配置
func (c *Client) GetTrigger() (vscope.TriggerConfig, error) {
	bo, err := c.byteOrder()
	if err != nil {
		return vscope.TriggerConfig{}, err
	}
	p, err := c.roundTrip(vscope.MsgGetTrigger, noArgs)
	if err != nil {
		return vscope.TriggerConfig{}, err
	}
	return vscope.DecodeTriggerConfig(bo, p)
}

// SetTrigger 写入触发配置，返回设备生效值
func (c *Client) SetTrigger(cfg vscope.TriggerConfig) (vscope.TriggerConfig, error) {
	bo, err := c.byteOrder()
	if err != nil {
		return vscope.TriggerConfig{}, err
	}
	p, err := c.roundTrip(vscope.MsgSetTrigger, vscope.EncodeTriggerConfig(bo, cfg))
	if err != nil {
		return vscope.TriggerConfig{}, err
	}
	return vscope.DecodeTriggerConfig(bo, p)
}

// GetSnapshotHeader 读取快照头。采集尚未完成时返回 NOT_READY 设备错误，
// 由调用方判定（IsNotReady），不在此层重试。
func (c *Client) GetSnapshotHeader() (vscope.SnapshotHeader, error) {
	bo, err := c.byteOrder()
	if err != nil {
		return vscope.SnapshotHeader{}, err
	}
	p, err := c.roundTrip(vscope.MsgGetSnapshotHeader, noArgs)
	if err != nil {
		return vscope.SnapshotHeader{}, err
	}
	return vscope.DecodeSnapshotHeader(bo, p, int(c.info.ChannelCount))
}

// GetSnapshotData 快照数据分页，返回 count×channelCount 个采样值
func (c *Client) GetSnapshotData(startSample uint16, count uint8) ([]float32, error) {
	bo, err := c.byteOrder()
	if err != nil {
		return nil, err
	}
	p, err := c.roundTrip(vscope.MsgGetSnapshotData, vscope.EncodeSnapshotDataRequest(bo, startSample, count))
	if err != nil {
		return nil, err
	}
	return vscope.DecodeF32Slice(bo, p, int(count)*int(c.info.ChannelCount))
}

// IsNotReady 判断错误是否为设备 NOT_READY（合法的“快照尚未就绪”）
func IsNotReady(err error) bool {
	var devErr *vscope.DeviceError
	return errors.As(err, &devErr) && devErr.NotReady()
}
