package vscope

// 帧格式：SYNC(0xC8) + LEN(1) + TYPE(1) + PAYLOAD(1..253) + CRC8(1)
// LEN 覆盖 TYPE+PAYLOAD+CRC；CRC8 (DVB-S2) 覆盖 TYPE+PAYLOAD。
// 本协议版本要求每帧至少携带 1 字节载荷，无参请求发送 1 字节保留位 0x00。
const (
	SyncByte byte = 0xC8

	// MaxPayloadLen 单帧最大载荷（LEN 为单字节，上限 255 = 1+253+1）
	MaxPayloadLen = 253

	// MinLen / MaxLen LEN 字段的合法区间
	MinLen = 3
	MaxLen = 255

	// FrameOverhead SYNC+LEN+TYPE+CRC 固定开销
	FrameOverhead = 4
)

// 消息类型
const (
	MsgGetInfo           byte = 0x01
	MsgGetTiming         byte = 0x02
	MsgSetTiming         byte = 0x03
	MsgGetState          byte = 0x04
	MsgSetState          byte = 0x05
	MsgTrigger           byte = 0x06
	MsgGetFrame          byte = 0x07
	MsgGetSnapshotHeader byte = 0x08
	MsgGetSnapshotData   byte = 0x09
	MsgGetVarList        byte = 0x0A
	MsgGetChannelMap     byte = 0x0B
	MsgSetChannelMap     byte = 0x0C
	MsgGetChannelLabels  byte = 0x0D
	MsgGetRtLabels       byte = 0x0E
	MsgGetRtBuffer       byte = 0x0F
	MsgSetRtBuffer       byte = 0x10
	MsgGetTrigger        byte = 0x11
	MsgSetTrigger        byte = 0x12

	// MsgError 设备错误响应，载荷为 1 字节错误码
	MsgError byte = 0xFF
)

// Reserved 无参请求的保留载荷字节
const Reserved byte = 0x00

// DeviceState 设备采集状态机状态
type DeviceState uint8

const (
	StateStopped   DeviceState = 0
	StateRunning   DeviceState = 1
	StateAcquiring DeviceState = 2
	// StateMisconfigured 固件上报：注册变量数少于通道数
	StateMisconfigured DeviceState = 3
)

func (s DeviceState) Valid() bool { return s <= StateMisconfigured }

func (s DeviceState) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StateAcquiring:
		return "ACQUIRING"
	case StateMisconfigured:
		return "MISCONFIGURED"
	default:
		return "UNKNOWN"
	}
}

// TriggerMode 触发模式
type TriggerMode uint8

const (
	TriggerDisabled TriggerMode = 0
	TriggerRising   TriggerMode = 1
	TriggerFalling  TriggerMode = 2
	TriggerBoth     TriggerMode = 3
)

func (m TriggerMode) Valid() bool { return m <= TriggerBoth }

func (m TriggerMode) String() string {
	switch m {
	case TriggerDisabled:
		return "disabled"
	case TriggerRising:
		return "rising"
	case TriggerFalling:
		return "falling"
	case TriggerBoth:
		return "both"
	default:
		return "unknown"
	}
}
