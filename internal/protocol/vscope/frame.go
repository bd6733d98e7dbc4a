package vscope

import "errors"

var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrEmptyPayload    = errors.New("empty payload")
	ErrBadSync         = errors.New("bad sync byte")
	ErrBadLen          = errors.New("bad length field")
	ErrTruncated       = errors.New("truncated frame")
	ErrCrcMismatch     = errors.New("crc mismatch")
)

// Encode 构造一帧：SYNC + LEN + TYPE + payload + CRC
func Encode(msgType byte, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}
	if len(payload) > MaxPayloadLen {
		return nil, ErrPayloadTooLarge
	}

	frame := make([]byte, 0, len(payload)+FrameOverhead)
	frame = append(frame, SyncByte)
	frame = append(frame, byte(len(payload)+2)) // TYPE + payload + CRC
	frame = append(frame, msgType)
	frame = append(frame, payload...)
	frame = append(frame, Crc8(frame[2:])) // TYPE 起算
	return frame, nil
}

// Decode 解析一帧完整字节（SYNC..CRC），返回消息类型与载荷。
// 载荷是 raw 的子切片，调用方不应在持有 raw 的同时修改它。
func Decode(raw []byte) (byte, []byte, error) {
	if len(raw) < 2 {
		return 0, nil, ErrTruncated
	}
	if raw[0] != SyncByte {
		return 0, nil, ErrBadSync
	}
	length := int(raw[1])
	if length < MinLen {
		return 0, nil, ErrBadLen
	}
	if length-2 > MaxPayloadLen {
		return 0, nil, ErrBadLen
	}
	if len(raw) < 2+length {
		return 0, nil, ErrTruncated
	}

	body := raw[2 : 2+length] // TYPE + payload + CRC
	crc := body[length-1]
	if Crc8(body[:length-1]) != crc {
		return 0, nil, ErrCrcMismatch
	}
	return body[0], body[1 : length-1], nil
}
