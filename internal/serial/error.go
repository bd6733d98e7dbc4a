package serial

import "fmt"

// Kind 传输层故障分类（封闭枚举）
type Kind int

const (
	KindPortNotFound Kind = iota + 1
	KindPortBusy
	KindInvalidHandle
	KindTimeout
	KindIo
	KindInvalidConfig
	KindPayloadTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindPortNotFound:
		return "port not found"
	case KindPortBusy:
		return "port busy"
	case KindInvalidHandle:
		return "invalid handle"
	case KindTimeout:
		return "timeout"
	case KindIo:
		return "io error"
	case KindInvalidConfig:
		return "invalid config"
	case KindPayloadTooLarge:
		return "payload too large"
	default:
		return "unknown"
	}
}

// Error 传输层故障。所有故障均可本地恢复，不会使进程退出。
type Error struct {
	Kind   Kind
	Path   string
	Handle Handle
	Msg    string
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Path != "" {
		s += ": " + e.Path
	}
	if e.Handle != 0 {
		s += fmt.Sprintf(" (handle %d)", e.Handle)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is 支持 errors.Is 按 Kind 匹配哨兵值
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// 哨兵值，仅用于 errors.Is 匹配
var (
	ErrPortNotFound    = &Error{Kind: KindPortNotFound}
	ErrPortBusy        = &Error{Kind: KindPortBusy}
	ErrInvalidHandle   = &Error{Kind: KindInvalidHandle}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrIo              = &Error{Kind: KindIo}
	ErrInvalidConfig   = &Error{Kind: KindInvalidConfig}
	ErrPayloadTooLarge = &Error{Kind: KindPayloadTooLarge}
)

func errTimeout(h Handle) error { return &Error{Kind: KindTimeout, Handle: h} }

func errInvalidHandle(h Handle) error { return &Error{Kind: KindInvalidHandle, Handle: h} }

func errIo(h Handle, msg string) error { return &Error{Kind: KindIo, Handle: h, Msg: msg} }

func errInvalidConfig(msg string) error { return &Error{Kind: KindInvalidConfig, Msg: msg} }
