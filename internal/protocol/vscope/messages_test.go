package vscope

import (
	"encoding/binary"
	"testing"
)

func testInfo(flags uint8) DeviceInfo {
	return DeviceInfo{
		Version:       1,
		Flags:         flags,
		ChannelCount:  5,
		BufferSize:    1000,
		SampleRateKHz: 20,
		VarCount:      8,
		RtCount:       4,
		NameLen:       16,
		Name:          "bench-rig",
	}
}

func TestDeviceInfo_RoundTrip_BothEndian(t *testing.T) {
	for _, flags := range []uint8{0, FlagBigEndian} {
		info := testInfo(flags)
		p := EncodeDeviceInfo(info)
		got, err := DecodeDeviceInfo(p)
		if err != nil {
			t.Fatalf("flags=%d decode: %v", flags, err)
		}
		if got != info {
			t.Fatalf("flags=%d mismatch: %+v != %+v", flags, got, info)
		}
	}
}

func TestDeviceInfo_ByteOrder(t *testing.T) {
	if testInfo(0).ByteOrder() != binary.LittleEndian {
		t.Fatalf("flags=0 should be little endian")
	}
	if testInfo(FlagBigEndian).ByteOrder() != binary.BigEndian {
		t.Fatalf("flag bit0 should select big endian")
	}
}

func TestDeviceInfo_ShortPayload(t *testing.T) {
	if _, err := DecodeDeviceInfo([]byte{1, 0, 5}); err == nil {
		t.Fatalf("expected decode error")
	}
	// 名称区长度与 NameLen 不符
	p := EncodeDeviceInfo(testInfo(0))
	if _, err := DecodeDeviceInfo(p[:len(p)-1]); err == nil {
		t.Fatalf("expected decode error for clipped name")
	}
}

func TestTiming_RoundTrip(t *testing.T) {
	for _, bo := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		want := Timing{Divider: 10, PreTrig: 256}
		got, err := DecodeTiming(bo, EncodeTiming(bo, want))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != want {
			t.Fatalf("mismatch: %+v != %+v", got, want)
		}
	}
	if _, err := DecodeTiming(binary.LittleEndian, make([]byte, 7)); err == nil {
		t.Fatalf("expected error for short timing payload")
	}
}

func TestTriggerConfig_RoundTrip(t *testing.T) {
	bo := binary.BigEndian
	want := TriggerConfig{Threshold: -1.5, Channel: 2, Mode: TriggerFalling}
	got, err := DecodeTriggerConfig(bo, EncodeTriggerConfig(bo, want))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("mismatch: %+v != %+v", got, want)
	}
}

func TestDecodeState(t *testing.T) {
	s, err := DecodeState([]byte{byte(StateAcquiring)})
	if err != nil || s != StateAcquiring {
		t.Fatalf("got %v, %v", s, err)
	}
	if _, err := DecodeState([]byte{0x09}); err == nil {
		t.Fatalf("expected error for unknown state")
	}
	if _, err := DecodeState([]byte{0, 0}); err == nil {
		t.Fatalf("expected error for wrong length")
	}
}

func TestCatalogPage_RoundTrip(t *testing.T) {
	const nameLen = 16
	want := CatalogPage{
		Total: 8,
		Start: 2,
		Entries: []CatalogEntry{
			{Index: 2, Name: "motor_rpm"},
			{Index: 3, Name: "bus_voltage"},
			{Index: 4, Name: "temp"},
		},
	}
	p := EncodeCatalogPage(want, nameLen)
	got, err := DecodeCatalogPage(p, nameLen)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != want.Total || got.Start != want.Start || len(got.Entries) != len(want.Entries) {
		t.Fatalf("header mismatch: %+v", got)
	}
	for i, e := range got.Entries {
		if e != want.Entries[i] {
			t.Fatalf("entry %d mismatch: %+v != %+v", i, e, want.Entries[i])
		}
	}
}

func TestCatalogPage_Empty(t *testing.T) {
	p := EncodeCatalogPage(CatalogPage{Total: 0, Start: 0}, 16)
	got, err := DecodeCatalogPage(p, 16)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Total != 0 || len(got.Entries) != 0 {
		t.Fatalf("expected empty page, got %+v", got)
	}
}

func TestCatalogPage_LengthMismatch(t *testing.T) {
	p := EncodeCatalogPage(CatalogPage{Total: 1, Entries: []CatalogEntry{{Index: 0, Name: "x"}}}, 16)
	if _, err := DecodeCatalogPage(p[:len(p)-1], 16); err == nil {
		t.Fatalf("expected error for clipped page")
	}
}

func TestSnapshotHeader_RoundTrip(t *testing.T) {
	bo := binary.LittleEndian
	want := SnapshotHeader{
		ChannelMap: []uint8{0, 1, 2, 3, 4},
		Timing:     Timing{Divider: 4, PreTrig: 100},
		Trigger:    TriggerConfig{Threshold: 0.25, Channel: 1, Mode: TriggerRising},
		RtValues:   []float32{1, 2.5, -3},
	}
	p := EncodeSnapshotHeader(bo, want)
	got, err := DecodeSnapshotHeader(bo, p, len(want.ChannelMap))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Timing != want.Timing || got.Trigger != want.Trigger {
		t.Fatalf("meta mismatch: %+v", got)
	}
	for i := range want.ChannelMap {
		if got.ChannelMap[i] != want.ChannelMap[i] {
			t.Fatalf("channel map mismatch at %d", i)
		}
	}
	for i := range want.RtValues {
		if got.RtValues[i] != want.RtValues[i] {
			t.Fatalf("rt value mismatch at %d", i)
		}
	}
}

func TestMaxSnapshotSamples(t *testing.T) {
	if got := MaxSnapshotSamples(5); got != 12 {
		t.Fatalf("5 channels: got %d, want 12", got)
	}
	if got := MaxSnapshotSamples(1); got != 63 {
		t.Fatalf("1 channel: got %d, want 63", got)
	}
	if got := MaxSnapshotSamples(0); got != 0 {
		t.Fatalf("0 channels: got %d", got)
	}
}
