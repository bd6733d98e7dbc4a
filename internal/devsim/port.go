package devsim

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
)

// Port 把仿真设备暴露为一条半双工串口线。
// 读超时语义与 go.bug.st/serial 一致：SetReadTimeout 到期返回 (0, nil)。
type Port struct {
	dev *Device

	mu     sync.Mutex
	rx     []byte // 主机→设备方向的半帧缓冲
	out    []byte // 设备→主机方向待读字节
	closed bool

	notify  chan struct{}
	doneC   chan struct{}
	timeout atomic.Int64 // 纳秒
}

// OpenPort 打开一条到设备的仿真线路
func (d *Device) OpenPort() *Port {
	return &Port{
		dev:    d,
		notify: make(chan struct{}, 1),
		doneC:  make(chan struct{}),
	}
}

// Write 接收主机字节流，解析出完整请求帧并立刻生成响应
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.rx = append(p.rx, b...)
	frames := p.extractFrames()
	p.mu.Unlock()

	for _, raw := range frames {
		if resp := p.dev.respond(raw); resp != nil {
			p.enqueue(resp)
		}
	}
	return len(b), nil
}

// extractFrames 从 rx 缓冲中取出全部完整帧。调用方持有 p.mu。
func (p *Port) extractFrames() [][]byte {
	var frames [][]byte
	for {
		// 同步到下一个 SYNC 字节
		i := 0
		for i < len(p.rx) && p.rx[i] != vscope.SyncByte {
			i++
		}
		p.rx = p.rx[i:]
		if len(p.rx) < 2 {
			return frames
		}
		length := int(p.rx[1])
		if length < vscope.MinLen || length-2 > vscope.MaxPayloadLen {
			p.rx = p.rx[1:]
			continue
		}
		if len(p.rx) < 2+length {
			return frames
		}
		frame := append([]byte(nil), p.rx[:2+length]...)
		p.rx = p.rx[2+length:]
		frames = append(frames, frame)
	}
}

func (p *Port) enqueue(b []byte) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.out = append(p.out, b...)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Read 阻塞读取设备侧输出，读超时到期返回 (0, nil)
func (p *Port) Read(b []byte) (int, error) {
	var timeC <-chan time.Time
	if d := time.Duration(p.timeout.Load()); d > 0 {
		timeC = time.After(d)
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, io.ErrClosedPipe
		}
		if len(p.out) > 0 {
			n := copy(b, p.out)
			p.out = p.out[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-p.doneC:
			return 0, io.ErrClosedPipe
		case <-timeC:
			return 0, nil
		}
	}
}

// SetReadTimeout 设置读超时
func (p *Port) SetReadTimeout(d time.Duration) error {
	p.timeout.Store(int64(d))
	return nil
}

// ResetInputBuffer 丢弃主机尚未读取的设备输出
func (p *Port) ResetInputBuffer() error {
	p.mu.Lock()
	p.out = nil
	p.mu.Unlock()
	return nil
}

// Close 关闭线路
func (p *Port) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.out = nil
	p.mu.Unlock()
	close(p.doneC)
	return nil
}

// respond 处理一帧请求并返回完整响应帧；静默模式返回 nil
func (d *Device) respond(raw []byte) []byte {
	msgType, payload, err := vscope.Decode(raw)
	if err != nil {
		// 校验失败的请求直接丢弃，与固件一致
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.silent {
		return nil
	}

	respType, respPayload := d.handleFrame(msgType, payload)
	frame, err := vscope.Encode(respType, respPayload)
	if err != nil {
		frame, _ = vscope.Encode(vscope.MsgError, []byte{byte(vscope.CodeBadLen)})
	}

	if d.corruptNext {
		d.corruptNext = false
		frame[len(frame)-2] ^= 0x40 // 翻转载荷末字节，CRC 必然失配
	}
	if d.truncateNext {
		d.truncateNext = false
		frame = frame[:len(frame)-2]
	}
	return frame
}
