package serial

import (
	"errors"
	"io"
	"time"

	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port 传输会话使用的最小串口能力。
// go.bug.st/serial 的 Port 满足本接口；测试与本地仿真使用内存实现。
// Read 的超时语义与 go.bug.st 保持一致：SetReadTimeout 到期返回 (0, nil)。
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
	ResetInputBuffer() error
}

// PortConfig 打开串口的参数
type PortConfig struct {
	BaudRate int
	DataBits int
	Parity   string // none | odd | even
	StopBits int    // 1 | 2
}

// OpenFunc 打开一个 Port 的工厂，注入以便测试替换真实串口
type OpenFunc func(path string, cfg PortConfig) (Port, error)

// OpenSerial 默认工厂：通过 go.bug.st/serial 打开物理串口
func OpenSerial(path string, cfg PortConfig) (Port, error) {
	mode, err := toMode(cfg)
	if err != nil {
		return nil, err
	}
	p, err := bugst.Open(path, mode)
	if err != nil {
		return nil, mapOpenError(path, err)
	}
	return p, nil
}

func toMode(cfg PortConfig) (*bugst.Mode, error) {
	mode := &bugst.Mode{BaudRate: cfg.BaudRate, DataBits: cfg.DataBits}
	if mode.BaudRate <= 0 {
		return nil, errInvalidConfig("baud rate must be positive")
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	switch cfg.Parity {
	case "", "none":
		mode.Parity = bugst.NoParity
	case "odd":
		mode.Parity = bugst.OddParity
	case "even":
		mode.Parity = bugst.EvenParity
	default:
		return nil, errInvalidConfig("unknown parity: " + cfg.Parity)
	}
	switch cfg.StopBits {
	case 0, 1:
		mode.StopBits = bugst.OneStopBit
	case 2:
		mode.StopBits = bugst.TwoStopBits
	default:
		return nil, errInvalidConfig("unsupported stop bits")
	}
	return mode, nil
}

func mapOpenError(path string, err error) error {
	var portErr *bugst.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case bugst.PortNotFound:
			return &Error{Kind: KindPortNotFound, Path: path}
		case bugst.PortBusy, bugst.PermissionDenied:
			return &Error{Kind: KindPortBusy, Path: path}
		case bugst.InvalidSpeed, bugst.InvalidDataBits, bugst.InvalidParity,
			bugst.InvalidStopBits, bugst.InvalidTimeoutValue:
			return &Error{Kind: KindInvalidConfig, Path: path, Msg: err.Error()}
		}
	}
	return &Error{Kind: KindIo, Path: path, Msg: err.Error()}
}

// PortInfo 枚举到的串口及其 USB 元数据
type PortInfo struct {
	Path         string `json:"path"`
	IsUSB        bool   `json:"isUsb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	Product      string `json:"product,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
}

// ListPorts 枚举系统串口
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, &Error{Kind: KindIo, Msg: err.Error()}
	}
	out := make([]PortInfo, 0, len(details))
	for _, d := range details {
		out = append(out, PortInfo{
			Path:         d.Name,
			IsUSB:        d.IsUSB,
			VID:          d.VID,
			PID:          d.PID,
			Product:      d.Product,
			SerialNumber: d.SerialNumber,
		})
	}
	return out, nil
}
