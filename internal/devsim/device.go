// Package devsim 提供固件行为的进程内仿真：
// 以 serial.Port 的形式暴露一台 vscope 设备，逐条实现全部消息类型，
// 并支持静默、CRC 损坏、截断等故障注入，供传输层与会话层测试使用。
package devsim

import (
	"encoding/binary"
	"sync"

	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
)

// Options 仿真设备参数
type Options struct {
	Name          string
	BigEndian     bool
	ChannelCount  int
	BufferSize    int
	SampleRateKHz int
	NameLen       int
	Variables     []string
	RtNames       []string

	// ManualAcquire 为真时采集不会立刻完成，需调用 CompleteAcquisition；
	// 用于验证采集中快照请求返回 NOT_READY。
	ManualAcquire bool
}

func (o *Options) fillDefaults() {
	if o.Name == "" {
		o.Name = "sim"
	}
	if o.ChannelCount <= 0 {
		o.ChannelCount = 5
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1000
	}
	if o.SampleRateKHz <= 0 {
		o.SampleRateKHz = 20
	}
	if o.NameLen <= 0 {
		o.NameLen = 16
	}
}

// Device 仿真设备状态机
type Device struct {
	mu  sync.Mutex
	opt Options
	bo  binary.ByteOrder

	state      vscope.DeviceState
	timing     vscope.Timing
	trigger    vscope.TriggerConfig
	channelMap []uint8
	varNames   []string
	rtNames    []string
	rtValues   []float32
	live       []float32

	buffer        [][]float32
	firstElement  int
	snapshotValid bool
	snapHeader    vscope.SnapshotHeader

	// 故障注入（corrupt/truncate 为一次性）
	silent       bool
	corruptNext  bool
	truncateNext bool
}

// New 创建仿真设备
func New(opt Options) *Device {
	opt.fillDefaults()
	d := &Device{
		opt:      opt,
		state:    vscope.StateStopped,
		timing:   vscope.Timing{Divider: 1, PreTrig: 0},
		varNames: append([]string(nil), opt.Variables...),
		rtNames:  append([]string(nil), opt.RtNames...),
		rtValues: make([]float32, len(opt.RtNames)),
		live:     make([]float32, opt.ChannelCount),
	}
	if opt.BigEndian {
		d.bo = binary.BigEndian
	} else {
		d.bo = binary.LittleEndian
	}
	d.channelMap = make([]uint8, opt.ChannelCount)
	if len(d.varNames) < opt.ChannelCount {
		d.state = vscope.StateMisconfigured
	}
	for i := range d.channelMap {
		if i < len(d.varNames) {
			d.channelMap[i] = uint8(i)
		}
	}
	return d
}

// Silence 控制设备是否对请求保持静默（断连/超时仿真）
func (d *Device) Silence(on bool) {
	d.mu.Lock()
	d.silent = on
	d.mu.Unlock()
}

// CorruptNextResponse 使下一条响应的 CRC 校验失败
func (d *Device) CorruptNextResponse() {
	d.mu.Lock()
	d.corruptNext = true
	d.mu.Unlock()
}

// TruncateNextResponse 使下一条响应在 CRC 之前被截断
func (d *Device) TruncateNextResponse() {
	d.mu.Lock()
	d.truncateNext = true
	d.mu.Unlock()
}

// SetVariables 运行时替换变量目录（仿真目录总数中途变化）
func (d *Device) SetVariables(names []string) {
	d.mu.Lock()
	d.varNames = append([]string(nil), names...)
	d.mu.Unlock()
}

// SetLive 设置当前活值帧
func (d *Device) SetLive(vals []float32) {
	d.mu.Lock()
	copy(d.live, vals)
	d.mu.Unlock()
}

// RtValue 读取 RT 寄存器当前值（测试断言用）
func (d *Device) RtValue(idx int) float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if idx < 0 || idx >= len(d.rtValues) {
		return 0
	}
	return d.rtValues[idx]
}

// State 返回当前状态（测试断言用）
func (d *Device) State() vscope.DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// CompleteAcquisition 在 ManualAcquire 模式下结束一次采集
func (d *Device) CompleteAcquisition() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == vscope.StateAcquiring {
		d.finishAcquisition()
	}
}

func (d *Device) info() vscope.DeviceInfo {
	var flags uint8
	if d.opt.BigEndian {
		flags |= vscope.FlagBigEndian
	}
	return vscope.DeviceInfo{
		Version:       1,
		Flags:         flags,
		ChannelCount:  uint8(d.opt.ChannelCount),
		BufferSize:    uint16(d.opt.BufferSize),
		SampleRateKHz: uint16(d.opt.SampleRateKHz),
		VarCount:      uint8(len(d.varNames)),
		RtCount:       uint8(len(d.rtNames)),
		NameLen:       uint8(d.opt.NameLen),
		Name:          d.opt.Name,
	}
}

// beginAcquisition 捕获快照元数据并按 ManualAcquire 决定是否立即完成
func (d *Device) beginAcquisition() {
	d.snapHeader = vscope.SnapshotHeader{
		ChannelMap: append([]uint8(nil), d.channelMap...),
		Timing:     d.timing,
		Trigger:    d.trigger,
		RtValues:   append([]float32(nil), d.rtValues...),
	}
	d.state = vscope.StateAcquiring
	d.snapshotValid = false
	if !d.opt.ManualAcquire {
		d.finishAcquisition()
	}
}

// finishAcquisition 填充确定性的合成样本并标记快照有效
func (d *Device) finishAcquisition() {
	d.buffer = make([][]float32, d.opt.BufferSize)
	for i := range d.buffer {
		row := make([]float32, d.opt.ChannelCount)
		for ch := range row {
			row[ch] = float32(i*d.opt.ChannelCount + ch)
		}
		d.buffer[i] = row
	}
	d.firstElement = 0
	d.snapshotValid = true
	d.state = vscope.StateStopped
}
