package vscope

import "fmt"

// DeviceCode 设备侧错误码（错误响应帧的载荷首字节）
type DeviceCode uint8

const (
	CodeBadLen   DeviceCode = 1
	CodeBadParam DeviceCode = 2
	CodeRange    DeviceCode = 4
	CodeNotReady DeviceCode = 5
)

func (c DeviceCode) String() string {
	switch c {
	case CodeBadLen:
		return "BAD_LEN"
	case CodeBadParam:
		return "BAD_PARAM"
	case CodeRange:
		return "RANGE"
	case CodeNotReady:
		return "NOT_READY"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}

// DeviceError 设备在响应帧中上报的错误。
// NOT_READY 是合法状态（例如采集中请求快照），由调用方单独判断。
type DeviceError struct {
	Code DeviceCode
}

func (e *DeviceError) Error() string {
	return "device error: " + e.Code.String()
}

// NotReady 判断是否为 NOT_READY
func (e *DeviceError) NotReady() bool { return e.Code == CodeNotReady }
