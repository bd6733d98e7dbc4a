package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
	"github.com/taoyao-code/vscope-host/internal/serial"
)

// 分页途中 total 反复变化时放弃本轮抓取
const maxCatalogRestarts = 8

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				s.markDisconnected()
				return
			}
			s.recordFault("connect", err)
			s.markDisconnected()
			s.maybeReopen(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opt.ReconnectDelay):
			}
			continue
		}

		err := s.pollLoop(ctx)
		s.markDisconnected()
		if ctx.Err() != nil {
			return
		}
		s.log.Info("device disconnected", zap.Error(err))
		s.maybeReopen(err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opt.ReconnectDelay):
		}
	}
}

// maybeReopen 句柄作废或串口 IO 故障后重开串口。
// 不重开的话，后续每次重连都会在同一个死句柄上失败。
func (s *Session) maybeReopen(err error) {
	if s.opt.Reopen == nil {
		return
	}
	if !errors.Is(err, serial.ErrInvalidHandle) && !errors.Is(err, serial.ErrIo) {
		return
	}
	if reopenErr := s.opt.Reopen(); reopenErr != nil {
		s.recordFault("reopen", reopenErr)
	}
}

// connect 建立会话：读取设备信息、抓取全部名录、读取初始配置
func (s *Session) connect(ctx context.Context) error {
	s.mutate(func(d *Data) {
		d.Conn = Connecting
	})

	info, err := s.cl.GetInfo()
	if err != nil {
		return fmt.Errorf("get info: %w", err)
	}
	s.mutate(func(d *Data) {
		d.Info = &info
		s.stamp(d, FieldInfo)
	})

	vars, err := s.fetchCatalog(ctx, "variables", s.cl.GetVarList)
	if err != nil {
		return fmt.Errorf("fetch variables: %w", err)
	}
	chLabels, err := s.fetchCatalog(ctx, "channel labels", s.cl.GetChannelLabels)
	if err != nil {
		return fmt.Errorf("fetch channel labels: %w", err)
	}
	rtLabels, err := s.fetchCatalog(ctx, "rt labels", s.cl.GetRtLabels)
	if err != nil {
		return fmt.Errorf("fetch rt labels: %w", err)
	}

	timing, err := s.cl.GetTiming()
	if err != nil {
		return fmt.Errorf("get timing: %w", err)
	}
	trigger, err := s.cl.GetTrigger()
	if err != nil {
		return fmt.Errorf("get trigger: %w", err)
	}
	chMap, err := s.cl.GetChannelMap()
	if err != nil {
		return fmt.Errorf("get channel map: %w", err)
	}
	state, err := s.cl.GetState()
	if err != nil {
		return fmt.Errorf("get state: %w", err)
	}

	s.mu.Lock()
	s.consecTimeouts = 0
	s.mu.Unlock()
	s.mutate(func(d *Data) {
		d.Conn = Connected
		d.State = state
		d.Timing = &timing
		d.Trigger = &trigger
		d.ChannelMap = chMap
		d.Variables = vars
		d.ChannelLabels = chLabels
		d.RtLabels = rtLabels
		d.LastFault = nil
		now := time.Now()
		for _, f := range []Field{FieldState, FieldTiming, FieldTrigger, FieldChannelMap, FieldCatalog} {
			d.UpdatedAt[f] = now
		}
	})
	if s.opt.Metrics != nil {
		s.opt.Metrics.ConnectedGauge.Inc()
	}
	s.log.Info("device connected",
		zap.String("name", info.Name),
		zap.Uint8("channels", info.ChannelCount),
		zap.String("state", state.String()))
	return nil
}

// fetchCatalog 分页抓取一类名录。
// 设备在分页途中重新注册变量会导致声明的 total 变化，此时从头重抓。
func (s *Session) fetchCatalog(ctx context.Context, kind string, page func(start, count uint8) (vscope.CatalogPage, error)) (Catalog, error) {
	restarts := 0
	var total uint8
	var names []string
	started := false

	for {
		if err := ctx.Err(); err != nil {
			return Catalog{}, err
		}
		start := uint8(len(names))
		p, err := page(start, 0xFF)
		if err != nil {
			return Catalog{}, err
		}
		if !started {
			total, started = p.Total, true
		} else if p.Total != total {
			restarts++
			if s.opt.Metrics != nil {
				s.opt.Metrics.CatalogRestarts.Inc()
			}
			if restarts > maxCatalogRestarts {
				return Catalog{}, fmt.Errorf("%s catalog unstable after %d restarts", kind, restarts)
			}
			s.log.Debug("catalog total changed, restarting fetch",
				zap.String("kind", kind), zap.Uint8("old", total), zap.Uint8("new", p.Total))
			total, names = p.Total, nil
			continue
		}
		// 设备答非所问的窗口直接判错，静默合并会产生重复或空洞
		if p.Start != start {
			return Catalog{}, fmt.Errorf("%s catalog page start %d, want %d", kind, p.Start, start)
		}
		for _, e := range p.Entries {
			names = append(names, e.Name)
		}
		if uint8(len(names)) >= total {
			return Catalog{Total: total, Names: names, Complete: true}, nil
		}
		if len(p.Entries) == 0 {
			return Catalog{}, fmt.Errorf("%s catalog stalled at %d/%d", kind, len(names), total)
		}
	}
}

// pollLoop 双节奏轮询：状态恒定轮询，实时帧仅在 RUNNING 下轮询。
// 连续超时达到阈值判定为断连并返回。
func (s *Session) pollLoop(ctx context.Context) error {
	stateTicker := time.NewTicker(time.Second / time.Duration(s.opt.StatePollHz))
	defer stateTicker.Stop()
	frameTicker := time.NewTicker(time.Second / time.Duration(s.opt.FramePollHz))
	defer frameTicker.Stop()

	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stateTicker.C:
			if s.opt.Metrics != nil {
				s.opt.Metrics.PollTickTotal.WithLabelValues("state").Inc()
			}
			if err := s.pollState(ctx, tick); err != nil {
				return err
			}
			tick++
		case <-frameTicker.C:
			s.mu.RLock()
			running := s.data.State == vscope.StateRunning
			s.mu.RUnlock()
			if !running {
				continue
			}
			if s.opt.Metrics != nil {
				s.opt.Metrics.PollTickTotal.WithLabelValues("frame").Inc()
			}
			if err := s.pollFrame(); err != nil {
				return err
			}
		}
	}
}

// pollState 刷新状态与配置缓存。设备配置可能被其他上位机或面板改写，
// 三项配置在相邻节拍间轮转刷新，单个节拍最多发出两次请求。
func (s *Session) pollState(ctx context.Context, tick uint64) error {
	state, err := s.cl.GetState()
	if err != nil {
		return s.noteRequestError("get state", err)
	}
	s.noteRequestOK("get state")

	s.mu.RLock()
	prev := s.data.State
	s.mu.RUnlock()

	if state != prev {
		s.mutate(func(d *Data) {
			d.State = state
			s.stamp(d, FieldState)
		})
		s.log.Debug("device state changed",
			zap.String("from", prev.String()), zap.String("to", state.String()))

		// 采集结束：拉取快照并交给持久化
		if prev == vscope.StateAcquiring && state == vscope.StateStopped {
			s.retrieveSnapshot(ctx)
		}
	} else {
		s.mutate(func(d *Data) {
			s.stamp(d, FieldState)
		})
	}

	switch tick % 3 {
	case 0:
		return s.pollTiming()
	case 1:
		return s.pollTrigger()
	default:
		return s.pollChannelMap()
	}
}

func (s *Session) pollTiming() error {
	timing, err := s.cl.GetTiming()
	if err != nil {
		return s.noteRequestError("get timing", err)
	}
	s.noteRequestOK("get timing")
	s.mutate(func(d *Data) {
		d.Timing = &timing
		s.stamp(d, FieldTiming)
	})
	return nil
}

func (s *Session) pollTrigger() error {
	trigger, err := s.cl.GetTrigger()
	if err != nil {
		return s.noteRequestError("get trigger", err)
	}
	s.noteRequestOK("get trigger")
	s.mutate(func(d *Data) {
		d.Trigger = &trigger
		s.stamp(d, FieldTrigger)
	})
	return nil
}

func (s *Session) pollChannelMap() error {
	chMap, err := s.cl.GetChannelMap()
	if err != nil {
		return s.noteRequestError("get channel map", err)
	}
	s.noteRequestOK("get channel map")
	s.mutate(func(d *Data) {
		d.ChannelMap = chMap
		s.stamp(d, FieldChannelMap)
	})
	return nil
}

func (s *Session) pollFrame() error {
	frame, err := s.cl.GetFrame()
	if err != nil {
		return s.noteRequestError("get frame", err)
	}
	s.noteRequestOK("get frame")
	s.mutate(func(d *Data) {
		d.LiveFrame = frame
		s.stamp(d, FieldFrame)
	})
	return nil
}

// retrieveSnapshot 读取完整快照（头 + 全部样本）并投递给 SnapshotSink
func (s *Session) retrieveSnapshot(ctx context.Context) {
	info, ok := s.cl.Info()
	if !ok {
		return
	}
	header, err := s.cl.GetSnapshotHeader()
	if err != nil {
		// 设备尚未就绪或采集被打断，不视为会话故障
		if !errors.Is(err, context.Canceled) {
			s.recordFault("snapshot header", err)
		}
		return
	}

	chCount := int(info.ChannelCount)
	total := int(info.BufferSize)
	maxPer := vscope.MaxSnapshotSamples(chCount)
	samples := make([]float32, 0, total*chCount)
	for off := 0; off < total; {
		if ctx.Err() != nil {
			return
		}
		n := maxPer
		if remaining := total - off; remaining < n {
			n = remaining
		}
		chunk, err := s.cl.GetSnapshotData(uint16(off), uint8(n))
		if err != nil {
			s.recordFault("snapshot data", err)
			return
		}
		samples = append(samples, chunk...)
		off += n
	}

	s.log.Info("snapshot retrieved",
		zap.Int("samples", total), zap.Int("channels", chCount))
	if s.opt.SnapshotSink != nil {
		s.opt.SnapshotSink(ctx, s.path, info, header, samples)
	}
}

// noteRequestError 登记轮询请求错误；连续超时达到阈值时返回断连错误
func (s *Session) noteRequestError(op string, err error) error {
	if errors.Is(err, serial.ErrTimeout) {
		if s.opt.Metrics != nil {
			s.opt.Metrics.TimeoutTotal.Inc()
			s.opt.Metrics.RequestTotal.WithLabelValues(op, "timeout").Inc()
		}
		s.mu.Lock()
		s.consecTimeouts++
		n := s.consecTimeouts
		s.mu.Unlock()
		if n >= s.opt.DisconnectAfterTimeouts {
			return fmt.Errorf("%s: %d consecutive timeouts: %w", op, n, err)
		}
		return nil
	}
	if errors.Is(err, serial.ErrInvalidHandle) || errors.Is(err, serial.ErrIo) {
		if s.opt.Metrics != nil {
			s.opt.Metrics.RequestTotal.WithLabelValues(op, "io").Inc()
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	// CRC 重试耗尽、设备侧错误等：记录但不断连
	if s.opt.Metrics != nil {
		s.opt.Metrics.RequestTotal.WithLabelValues(op, "error").Inc()
	}
	s.recordFault(op, err)
	return nil
}

func (s *Session) noteRequestOK(op string) {
	if s.opt.Metrics != nil {
		s.opt.Metrics.RequestTotal.WithLabelValues(op, "ok").Inc()
	}
	s.mu.Lock()
	s.consecTimeouts = 0
	s.mu.Unlock()
}

func (s *Session) markDisconnected() {
	s.mu.RLock()
	wasConnected := s.data.Conn == Connected
	s.mu.RUnlock()
	s.mutate(func(d *Data) {
		d.Conn = Disconnected
		d.LiveFrame = nil
	})
	if wasConnected && s.opt.Metrics != nil {
		s.opt.Metrics.ConnectedGauge.Dec()
	}
}
