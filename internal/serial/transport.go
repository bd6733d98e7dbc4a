package serial

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
)

// DefaultRequestTimeout 未显式配置时的单次请求期限
const DefaultRequestTimeout = 100 * time.Millisecond

// Transport 持有全部已打开串口的句柄注册表。
// 半双工约束：同一句柄同一时刻只允许一个在途请求，由会话锁保证；
// 协议是严格的请求/响应，因此不存在跨请求的响应乱序。
type Transport struct {
	open    OpenFunc
	timeout time.Duration
	log     *zap.Logger

	nextID   atomic.Uint64
	mu       sync.RWMutex
	sessions map[Handle]*session
}

// Handle 打开的连接句柄，关闭后失效
type Handle uint64

type session struct {
	mu     sync.Mutex
	path   string
	cfg    PortConfig
	port   Port
	broken bool // 事务中发生 panic 后置位，句柄在 Reopen 前作废
}

// New 创建传输层。open 为空时使用真实串口工厂。
func New(open OpenFunc, requestTimeout time.Duration, log *zap.Logger) *Transport {
	if open == nil {
		open = OpenSerial
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transport{
		open:     open,
		timeout:  requestTimeout,
		log:      log,
		sessions: make(map[Handle]*session),
	}
}

// Open 打开串口并登记句柄
func (t *Transport) Open(path string, cfg PortConfig) (Handle, error) {
	port, err := t.open(path, cfg)
	if err != nil {
		return 0, err
	}
	h := Handle(t.nextID.Add(1))
	t.mu.Lock()
	t.sessions[h] = &session{path: path, cfg: cfg, port: port}
	t.mu.Unlock()
	t.log.Info("port opened", zap.String("path", path), zap.Uint64("handle", uint64(h)))
	return h, nil
}

// Close 关闭句柄。重复关闭无害。
func (t *Transport) Close(h Handle) error {
	t.mu.Lock()
	sess, ok := t.sessions[h]
	delete(t.sessions, h)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	err := sess.port.Close()
	t.log.Info("port closed", zap.String("path", sess.path), zap.Uint64("handle", uint64(h)))
	if err != nil {
		return errIo(h, err.Error())
	}
	return nil
}

// CloseAll 关闭全部句柄（进程退出路径）
func (t *Transport) CloseAll() {
	t.mu.Lock()
	sessions := t.sessions
	t.sessions = make(map[Handle]*session)
	t.mu.Unlock()
	for _, sess := range sessions {
		_ = sess.port.Close()
	}
}

// Path 返回句柄对应的串口路径
func (t *Transport) Path(h Handle) (string, error) {
	sess, err := t.lookup(h)
	if err != nil {
		return "", err
	}
	return sess.path, nil
}

// Flush 丢弃输入缓冲中的全部残留字节
func (t *Transport) Flush(h Handle) error {
	sess, err := t.lookup(h)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.broken {
		return errInvalidHandle(h)
	}
	if err := sess.port.ResetInputBuffer(); err != nil {
		return errIo(h, err.Error())
	}
	return nil
}

// Reopen 用登记时的路径与参数重新打开串口，句柄保持不变。
// 事务 panic 作废句柄或串口 IO 故障后，由上层据此恢复连接。
func (t *Transport) Reopen(h Handle) error {
	sess, err := t.lookup(h)
	if err != nil {
		return err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	_ = sess.port.Close()
	port, err := t.open(sess.path, sess.cfg)
	if err != nil {
		return err
	}
	sess.port = port
	sess.broken = false
	t.log.Info("port reopened", zap.String("path", sess.path), zap.Uint64("handle", uint64(h)))
	return nil
}

// SendRequest 以默认期限发送一帧并读回一帧
func (t *Transport) SendRequest(h Handle, frame []byte) ([]byte, error) {
	return t.SendRequestTimeout(h, frame, t.timeout)
}

// SendRequestTimeout 写出请求帧并在期限内读回一帧完整响应（SYNC..CRC）。
// 超时返回 Timeout 故障；期限内读到的半帧被丢弃，不会带入下一次请求
// （每次发送前清空输入缓冲）。CRC 校验由上层编解码完成。
func (t *Transport) SendRequestTimeout(h Handle, frame []byte, timeout time.Duration) (resp []byte, err error) {
	if len(frame) == 0 {
		return nil, errInvalidConfig("empty request frame")
	}
	if len(frame) > vscope.MaxPayloadLen+vscope.FrameOverhead {
		return nil, &Error{Kind: KindPayloadTooLarge, Handle: h}
	}
	if timeout <= 0 {
		timeout = t.timeout
	}
	sess, err := t.lookup(h)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	// 事务中 panic：作废句柄并转成 IoError，绝不让进程退出。
	// 会话保留在注册表中，Reopen 可恢复；恢复前一律报 InvalidHandle。
	defer func() {
		if r := recover(); r != nil {
			sess.broken = true
			_ = sess.port.Close()
			t.log.Error("panic during wire transaction",
				zap.Uint64("handle", uint64(h)), zap.Any("panic", r))
			resp = nil
			err = errIo(h, fmt.Sprintf("panic during transaction: %v", r))
		}
	}()

	if sess.broken {
		return nil, errInvalidHandle(h)
	}

	// 清掉上次失败请求可能残留的字节
	_ = sess.port.ResetInputBuffer()

	deadline := time.Now().Add(timeout)
	if err := writeAll(sess.port, frame, h); err != nil {
		return nil, err
	}
	return readFrame(sess.port, deadline, h)
}

func (t *Transport) lookup(h Handle) (*session, error) {
	t.mu.RLock()
	sess, ok := t.sessions[h]
	t.mu.RUnlock()
	if !ok {
		return nil, errInvalidHandle(h)
	}
	return sess, nil
}

func writeAll(port Port, p []byte, h Handle) error {
	for len(p) > 0 {
		n, err := port.Write(p)
		if err != nil {
			return errIo(h, err.Error())
		}
		p = p[n:]
	}
	return nil
}

// readFrame 在期限内读取一帧：跳过噪声字节直到 SYNC，读 LEN，
// 再读 LEN 字节。LEN 越界时继续重新同步而不是报错。
func readFrame(port Port, deadline time.Time, h Handle) ([]byte, error) {
	var b [1]byte
	for {
		if err := readFull(port, b[:], deadline, h); err != nil {
			return nil, err
		}
		if b[0] != vscope.SyncByte {
			continue
		}
		if err := readFull(port, b[:], deadline, h); err != nil {
			return nil, err
		}
		length := int(b[0])
		if length < vscope.MinLen || length-2 > vscope.MaxPayloadLen {
			continue
		}
		raw := make([]byte, 2+length)
		raw[0] = vscope.SyncByte
		raw[1] = byte(length)
		if err := readFull(port, raw[2:], deadline, h); err != nil {
			return nil, err
		}
		return raw, nil
	}
}

// readFull 读满 p，期限到即返回 Timeout。
// Port.Read 超时返回 (0, nil)，循环据此推进到下一次期限检查。
func readFull(port Port, p []byte, deadline time.Time, h Handle) error {
	got := 0
	for got < len(p) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return errTimeout(h)
		}
		_ = port.SetReadTimeout(remaining)
		n, err := port.Read(p[got:])
		if err != nil {
			return errIo(h, err.Error())
		}
		got += n
	}
	return nil
}
