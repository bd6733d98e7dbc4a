package device

import (
	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
)

// 命令方法由上层状态容器扇出调用，与轮询循环共用一个串行化的传输层。
// 设备回显的值直接写入缓存，不等下一次轮询。

func (s *Session) ApplyState(state vscope.DeviceState) error {
	echoed, err := s.cl.SetState(state)
	if err != nil {
		return s.commandErr("set state", err)
	}
	s.noteRequestOK("set state")
	s.mutate(func(d *Data) {
		d.State = echoed
		s.stamp(d, FieldState)
	})
	return nil
}

func (s *Session) FireTrigger() error {
	echoed, err := s.cl.Trigger()
	if err != nil {
		return s.commandErr("trigger", err)
	}
	s.noteRequestOK("trigger")
	s.mutate(func(d *Data) {
		d.State = echoed
		s.stamp(d, FieldState)
	})
	return nil
}

func (s *Session) ApplyTiming(t vscope.Timing) error {
	echoed, err := s.cl.SetTiming(t)
	if err != nil {
		return s.commandErr("set timing", err)
	}
	s.noteRequestOK("set timing")
	s.mutate(func(d *Data) {
		d.Timing = &echoed
		s.stamp(d, FieldTiming)
	})
	return nil
}

func (s *Session) ApplyTrigger(cfg vscope.TriggerConfig) error {
	echoed, err := s.cl.SetTrigger(cfg)
	if err != nil {
		return s.commandErr("set trigger", err)
	}
	s.noteRequestOK("set trigger")
	s.mutate(func(d *Data) {
		d.Trigger = &echoed
		s.stamp(d, FieldTrigger)
	})
	return nil
}

func (s *Session) ApplyChannelMap(m []uint8) error {
	echoed, err := s.cl.SetChannelMap(m)
	if err != nil {
		return s.commandErr("set channel map", err)
	}
	s.noteRequestOK("set channel map")
	s.mutate(func(d *Data) {
		d.ChannelMap = echoed
		s.stamp(d, FieldChannelMap)
	})
	return nil
}

// commandErr 登记命令错误并原样返回给调用方
func (s *Session) commandErr(op string, err error) error {
	s.recordFault(op, err)
	if s.opt.Metrics != nil {
		s.opt.Metrics.RequestTotal.WithLabelValues(op, "error").Inc()
	}
	return err
}
