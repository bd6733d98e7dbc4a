package device

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/taoyao-code/vscope-host/internal/client"
	"github.com/taoyao-code/vscope-host/internal/metrics"
	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
)

// ConnState 会话连接状态
type ConnState uint8

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (c ConnState) String() string {
	switch c {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Field 数据字段标识，用于逐字段更新时间戳
type Field string

const (
	FieldInfo       Field = "info"
	FieldState      Field = "state"
	FieldFrame      Field = "frame"
	FieldTiming     Field = "timing"
	FieldTrigger    Field = "trigger"
	FieldChannelMap Field = "channelMap"
	FieldCatalog    Field = "catalog"
)

// Catalog 一类名录（变量表、通道标签或实时标签）的抓取结果
type Catalog struct {
	Total    uint8
	Names    []string
	Complete bool
}

// Fault 最近一次会话故障
type Fault struct {
	Op  string
	Err error
	At  time.Time
}

// Data 会话数据的一致性快照，供共识计算与展示使用
type Data struct {
	Path          string
	Conn          ConnState
	State         vscope.DeviceState
	Info          *vscope.DeviceInfo
	Timing        *vscope.Timing
	Trigger       *vscope.TriggerConfig
	ChannelMap    []uint8
	Variables     Catalog
	ChannelLabels Catalog
	RtLabels      Catalog
	LiveFrame     []float32
	LastFault     *Fault
	UpdatedAt     map[Field]time.Time
}

// SnapshotSink 采集完成后接收快照数据
type SnapshotSink func(ctx context.Context, path string, info vscope.DeviceInfo, header vscope.SnapshotHeader, samples []float32)

// Options 会话参数。零值字段取默认。
type Options struct {
	StatePollHz             int // 默认 20
	FramePollHz             int // 默认 10
	DisconnectAfterTimeouts int // 默认 5
	ReconnectDelay          time.Duration
	Logger                  *zap.Logger
	Metrics                 *metrics.AppMetrics
	OnChange                func(path string)
	SnapshotSink            SnapshotSink
	// Reopen 重新打开底层串口（通常是 Transport.Reopen 的闭包）。
	// 句柄作废或 IO 故障后的重连依赖它；为 nil 时只能等进程重启。
	Reopen func() error
}

func (o *Options) fillDefaults() {
	if o.StatePollHz <= 0 {
		o.StatePollHz = 20
	}
	if o.FramePollHz <= 0 {
		o.FramePollHz = 10
	}
	if o.DisconnectAfterTimeouts <= 0 {
		o.DisconnectAfterTimeouts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Session 单设备会话：维护连接、轮询与数据缓存
type Session struct {
	path string
	cl   *client.Client
	opt  Options
	log  *zap.Logger

	// 轮询故障日志限流，避免断连时刷屏
	faultLog *rate.Limiter

	mu             sync.RWMutex
	data           Data
	consecTimeouts int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession 创建会话但不启动轮询
func NewSession(path string, cl *client.Client, opt Options) *Session {
	opt.fillDefaults()
	return &Session{
		path:     path,
		cl:       cl,
		opt:      opt,
		log:      opt.Logger.With(zap.String("port", path)),
		faultLog: rate.NewLimiter(rate.Every(2*time.Second), 3),
		data: Data{
			Path:      path,
			Conn:      Disconnected,
			UpdatedAt: make(map[Field]time.Time),
		},
		done: make(chan struct{}),
	}
}

// Start 启动后台轮询循环
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
}

// Stop 停止轮询并等待循环退出
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Path 会话绑定的串口路径
func (s *Session) Path() string { return s.path }

// Client 底层请求客户端，命令下发使用
func (s *Session) Client() *client.Client { return s.cl }

// Snapshot 返回会话数据的深拷贝
func (s *Session) Snapshot() Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.data
	if s.data.Info != nil {
		info := *s.data.Info
		d.Info = &info
	}
	if s.data.Timing != nil {
		t := *s.data.Timing
		d.Timing = &t
	}
	if s.data.Trigger != nil {
		tr := *s.data.Trigger
		d.Trigger = &tr
	}
	d.ChannelMap = append([]uint8(nil), s.data.ChannelMap...)
	d.Variables.Names = append([]string(nil), s.data.Variables.Names...)
	d.ChannelLabels.Names = append([]string(nil), s.data.ChannelLabels.Names...)
	d.RtLabels.Names = append([]string(nil), s.data.RtLabels.Names...)
	d.LiveFrame = append([]float32(nil), s.data.LiveFrame...)
	d.UpdatedAt = make(map[Field]time.Time, len(s.data.UpdatedAt))
	for k, v := range s.data.UpdatedAt {
		d.UpdatedAt[k] = v
	}
	if s.data.LastFault != nil {
		f := *s.data.LastFault
		d.LastFault = &f
	}
	return d
}

// mutate 在锁内修改数据并触发变更通知
func (s *Session) mutate(fn func(d *Data)) {
	s.mu.Lock()
	fn(&s.data)
	s.mu.Unlock()
	if s.opt.OnChange != nil {
		s.opt.OnChange(s.path)
	}
}

func (s *Session) stamp(d *Data, f Field) {
	d.UpdatedAt[f] = time.Now()
}

func (s *Session) recordFault(op string, err error) {
	s.mutate(func(d *Data) {
		d.LastFault = &Fault{Op: op, Err: err, At: time.Now()}
	})
	if s.faultLog.Allow() {
		s.log.Warn("session fault", zap.String("op", op), zap.Error(err))
	}
}
