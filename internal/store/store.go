// Package store 持有全部设备会话与跨设备一致视图。
// 会话数据任何变更都会触发视图重算并广播给订阅者。
package store

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/taoyao-code/vscope-host/internal/consensus"
	"github.com/taoyao-code/vscope-host/internal/device"
	"github.com/taoyao-code/vscope-host/internal/metrics"
	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
)

// GateError 一致性门未满足，命令被拒绝
type GateError struct {
	Concern string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("command rejected: consensus incomplete for %s", e.Concern)
}

// IsGateClosed 判断错误是否为一致性门拒绝
func IsGateClosed(err error) bool {
	var ge *GateError
	return errors.As(err, &ge)
}

// Store 应用状态容器
type Store struct {
	log *zap.Logger
	met *metrics.AppMetrics

	mu       sync.RWMutex
	sessions map[string]*device.Session
	view     consensus.View
	subs     map[int]chan consensus.View
	nextSub  int
}

// New 创建空容器。met 可为 nil。
func New(log *zap.Logger, met *metrics.AppMetrics) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		log:      log,
		met:      met,
		sessions: make(map[string]*device.Session),
		subs:     make(map[int]chan consensus.View),
	}
}

// OnChange 供会话的变更回调使用
func (st *Store) OnChange(path string) {
	st.recompute()
}

// Add 纳入一个会话。同路径重复添加会先停掉旧会话。
func (st *Store) Add(s *device.Session) {
	st.mu.Lock()
	old, exists := st.sessions[s.Path()]
	st.sessions[s.Path()] = s
	st.mu.Unlock()
	if exists {
		old.Stop()
	}
	st.recompute()
}

// Remove 移除并停止指定路径的会话
func (st *Store) Remove(path string) bool {
	st.mu.Lock()
	s, ok := st.sessions[path]
	delete(st.sessions, path)
	st.mu.Unlock()
	if !ok {
		return false
	}
	s.Stop()
	st.recompute()
	return true
}

// StopAll 停止全部会话
func (st *Store) StopAll() {
	st.mu.Lock()
	sessions := make([]*device.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.sessions = make(map[string]*device.Session)
	st.mu.Unlock()
	for _, s := range sessions {
		s.Stop()
	}
}

// Sessions 返回全部会话数据快照
func (st *Store) Sessions() []device.Data {
	st.mu.RLock()
	sessions := make([]*device.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.RUnlock()
	out := make([]device.Data, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// View 当前一致视图
func (st *Store) View() consensus.View {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.view
}

// Subscribe 订阅视图更新。容量为 1，落后订阅者只拿到最新视图。
// 返回的取消函数必须调用。
func (st *Store) Subscribe() (<-chan consensus.View, func()) {
	ch := make(chan consensus.View, 1)
	st.mu.Lock()
	id := st.nextSub
	st.nextSub++
	st.subs[id] = ch
	ch <- st.view
	st.mu.Unlock()
	cancel := func() {
		st.mu.Lock()
		delete(st.subs, id)
		st.mu.Unlock()
	}
	return ch, cancel
}

// recompute 重算视图并广播
func (st *Store) recompute() {
	datas := st.Sessions()
	view := consensus.Compute(datas)
	if st.met != nil {
		st.met.ConsensusRecompute.Inc()
	}

	st.mu.Lock()
	st.view = view
	for _, ch := range st.subs {
		select {
		case ch <- view:
		default:
			// 丢掉积压的旧视图再放新的
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- view:
			default:
			}
		}
	}
	st.mu.Unlock()
}

// connectedSessions 返回在线会话
func (st *Store) connectedSessions() []*device.Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*device.Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		if s.Snapshot().Conn == device.Connected {
			out = append(out, s)
		}
	}
	return out
}

// CommandState 向全部在线设备下发状态切换
func (st *Store) CommandState(state vscope.DeviceState) error {
	view := st.View()
	if !view.Complete.StaticInfo {
		return &GateError{Concern: "static info"}
	}
	return st.fanout(func(s *device.Session) error {
		return s.ApplyState(state)
	})
}

// CommandTrigger 向全部在线设备下发软件触发
func (st *Store) CommandTrigger() error {
	view := st.View()
	if !view.Complete.StaticInfo {
		return &GateError{Concern: "static info"}
	}
	return st.fanout(func(s *device.Session) error {
		return s.FireTrigger()
	})
}

// CommandTiming 向全部在线设备下发采样配置
func (st *Store) CommandTiming(t vscope.Timing) error {
	view := st.View()
	if !view.Complete.Timing {
		return &GateError{Concern: "timing"}
	}
	return st.fanout(func(s *device.Session) error {
		return s.ApplyTiming(t)
	})
}

// CommandTriggerConfig 向全部在线设备下发触发配置
func (st *Store) CommandTriggerConfig(cfg vscope.TriggerConfig) error {
	view := st.View()
	if !view.Complete.Trigger {
		return &GateError{Concern: "trigger"}
	}
	return st.fanout(func(s *device.Session) error {
		return s.ApplyTrigger(cfg)
	})
}

// CommandChannelMap 以变量名下发通道映射。
// 同名变量在各设备上的索引可能不同，逐设备解析后下发。
func (st *Store) CommandChannelMap(names []string) error {
	view := st.View()
	if !view.Complete.Variables {
		return &GateError{Concern: "variables"}
	}
	return st.fanout(func(s *device.Session) error {
		m := make([]uint8, len(names))
		for i, n := range names {
			idx, ok := view.ResolveIndex(s.Path(), n)
			if !ok {
				return fmt.Errorf("variable %q not present on %s", n, s.Path())
			}
			m[i] = idx
		}
		return s.ApplyChannelMap(m)
	})
}

// fanout 对全部在线会话执行命令，聚合错误
func (st *Store) fanout(fn func(*device.Session) error) error {
	sessions := st.connectedSessions()
	if len(sessions) == 0 {
		return errors.New("no connected devices")
	}
	var errs []error
	for _, s := range sessions {
		if err := fn(s); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Path(), err))
		}
	}
	return errors.Join(errs...)
}
