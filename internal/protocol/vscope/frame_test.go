package vscope

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	payloads := [][]byte{
		{0x00},
		{0x01, 0x02, 0x03},
		bytes.Repeat([]byte{0xAA}, 64),
		bytes.Repeat([]byte{0x55}, MaxPayloadLen),
	}
	for _, p := range payloads {
		frame, err := Encode(MsgGetTiming, p)
		if err != nil {
			t.Fatalf("encode(%d bytes): %v", len(p), err)
		}
		if frame[0] != SyncByte {
			t.Fatalf("bad sync byte 0x%02X", frame[0])
		}
		if int(frame[1]) != len(p)+2 {
			t.Fatalf("len field %d, want %d", frame[1], len(p)+2)
		}
		msgType, payload, err := Decode(frame)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msgType != MsgGetTiming || !bytes.Equal(payload, p) {
			t.Fatalf("round trip mismatch: type=0x%02X payload=%v", msgType, payload)
		}
	}
}

func TestEncode_Bounds(t *testing.T) {
	if _, err := Encode(MsgGetInfo, nil); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
	if _, err := Encode(MsgGetInfo, make([]byte, MaxPayloadLen+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestDecode_SingleAndDoubleBitFlips(t *testing.T) {
	frame, err := Encode(MsgGetState, []byte{0x01, 0x02, 0x03, 0x04})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// 单比特翻转：TYPE..CRC 区域内任何一位都必须被发现
	for i := 2; i < len(frame); i++ {
		for bit := 0; bit < 8; bit++ {
			mut := append([]byte(nil), frame...)
			mut[i] ^= 1 << bit
			if _, _, err := Decode(mut); err == nil {
				t.Fatalf("byte %d bit %d flip undetected", i, bit)
			}
		}
	}

	// 双比特翻转（不同字节）
	for i := 2; i < len(frame)-1; i++ {
		mut := append([]byte(nil), frame...)
		mut[i] ^= 0x01
		mut[i+1] ^= 0x80
		if _, _, err := Decode(mut); err == nil {
			t.Fatalf("double flip at bytes %d/%d undetected", i, i+1)
		}
	}
}

func TestDecode_BadLen(t *testing.T) {
	for _, l := range []byte{0, 1, 2} {
		raw := []byte{SyncByte, l, 0x01, 0x00, 0x00}
		if _, _, err := Decode(raw); !errors.Is(err, ErrBadLen) {
			t.Fatalf("len=%d: expected ErrBadLen, got %v", l, err)
		}
	}
}

func TestDecode_Truncated(t *testing.T) {
	frame, _ := Encode(MsgGetFrame, []byte{0x01, 0x02})
	for cut := 1; cut < len(frame); cut++ {
		if _, _, err := Decode(frame[:cut]); err == nil {
			t.Fatalf("truncation at %d undetected", cut)
		}
	}
}

func TestDecode_BadSync(t *testing.T) {
	frame, _ := Encode(MsgGetFrame, []byte{0x01})
	frame[0] = 0x42
	if _, _, err := Decode(frame); !errors.Is(err, ErrBadSync) {
		t.Fatalf("expected ErrBadSync, got %v", err)
	}
}
