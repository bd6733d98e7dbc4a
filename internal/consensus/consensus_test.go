package consensus_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/vscope-host/internal/consensus"
	"github.com/taoyao-code/vscope-host/internal/device"
	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
)

func sessionData(path string, vars []string, chMap []uint8) device.Data {
	info := vscope.DeviceInfo{
		Version:       1,
		ChannelCount:  uint8(len(chMap)),
		BufferSize:    1000,
		SampleRateKHz: 20,
		VarCount:      uint8(len(vars)),
		RtCount:       2,
		NameLen:       16,
		Name:          path,
	}
	timing := vscope.Timing{Divider: 2, PreTrig: 100}
	trigger := vscope.TriggerConfig{Threshold: 1.0, Channel: 0, Mode: vscope.TriggerRising}
	return device.Data{
		Path:          path,
		Conn:          device.Connected,
		State:         vscope.StateStopped,
		Info:          &info,
		Timing:        &timing,
		Trigger:       &trigger,
		ChannelMap:    chMap,
		Variables:     device.Catalog{Total: uint8(len(vars)), Names: vars, Complete: true},
		ChannelLabels: device.Catalog{Total: uint8(len(chMap)), Names: labels(len(chMap)), Complete: true},
		RtLabels:      device.Catalog{Total: 2, Names: []string{"rt_a", "rt_b"}, Complete: true},
	}
}

func labels(n int) []string {
	out := make([]string, n)
	chars := []string{"CH1", "CH2", "CH3", "CH4", "CH5", "CH6", "CH7", "CH8"}
	copy(out, chars[:n])
	return out
}

func TestComputeEmpty(t *testing.T) {
	view := consensus.Compute(nil)
	assert.Empty(t, view.Devices)
	assert.False(t, view.Complete.StaticInfo)
	assert.False(t, view.Complete.Variables)
}

func TestComputeIgnoresDisconnected(t *testing.T) {
	a := sessionData("/dev/ttyUSB0", []string{"u", "i", "n"}, []uint8{0, 1, 2})
	b := sessionData("/dev/ttyUSB1", []string{"u", "i", "n"}, []uint8{0, 1, 2})
	b.Conn = device.Disconnected

	view := consensus.Compute([]device.Data{a, b})
	assert.Equal(t, []string{"/dev/ttyUSB0"}, view.Devices)
	assert.True(t, view.Complete.StaticInfo)
}

func TestComputeFullAgreement(t *testing.T) {
	vars := []string{"u", "i", "n", "m", "p"}
	a := sessionData("/dev/ttyUSB0", vars, []uint8{0, 1, 2})
	b := sessionData("/dev/ttyUSB1", vars, []uint8{0, 1, 2})

	view := consensus.Compute([]device.Data{a, b})
	require.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyUSB1"}, view.Devices)

	assert.True(t, view.StaticInfo.Agreed)
	assert.True(t, view.State.Agreed)
	assert.Equal(t, vscope.StateStopped, view.State.Value)
	assert.True(t, view.Timing.Agreed)
	assert.Equal(t, vscope.Timing{Divider: 2, PreTrig: 100}, view.Timing.Value)
	assert.True(t, view.Trigger.Agreed)

	assert.True(t, view.Variables.Agreed)
	assert.True(t, view.ChannelMap.Agreed)
	assert.Equal(t, []string{"u", "i", "n"}, view.ChannelMap.Names)

	assert.True(t, view.Complete.StaticInfo)
	assert.True(t, view.Complete.Variables)
	assert.True(t, view.Complete.ChannelMap)
	assert.True(t, view.Complete.Rt)
	assert.True(t, view.Complete.Timing)
	assert.True(t, view.Complete.Trigger)
}

func TestScalarMismatchByDevice(t *testing.T) {
	vars := []string{"u", "i", "n"}
	a := sessionData("/dev/ttyUSB0", vars, []uint8{0, 1, 2})
	b := sessionData("/dev/ttyUSB1", vars, []uint8{0, 1, 2})
	other := vscope.Timing{Divider: 8, PreTrig: 0}
	b.Timing = &other

	view := consensus.Compute([]device.Data{a, b})
	assert.False(t, view.Timing.Agreed)
	require.Len(t, view.Timing.Mismatch, 2)
	assert.Equal(t, vscope.Timing{Divider: 2, PreTrig: 100}, view.Timing.Mismatch["/dev/ttyUSB0"])
	assert.Equal(t, other, view.Timing.Mismatch["/dev/ttyUSB1"])
	assert.False(t, view.Complete.Timing)
	// 其余关注面不受影响
	assert.True(t, view.Complete.Variables)
}

// 变量名录按集合比较：同名不同序仍然一致
func TestVariableOrderIndependence(t *testing.T) {
	a := sessionData("/dev/ttyUSB0", []string{"u", "i", "n"}, []uint8{0, 1, 2})
	b := sessionData("/dev/ttyUSB1", []string{"n", "u", "i"}, []uint8{1, 2, 0})

	view := consensus.Compute([]device.Data{a, b})
	assert.True(t, view.Variables.Agreed)
	// 两台设备的通道映射译成变量名后都是 u,i,n
	assert.True(t, view.ChannelMap.Agreed)
	assert.Equal(t, []string{"u", "i", "n"}, view.ChannelMap.Names)
	assert.True(t, view.Complete.ChannelMap)
}

func TestChannelMapMismatch(t *testing.T) {
	vars := []string{"u", "i", "n"}
	a := sessionData("/dev/ttyUSB0", vars, []uint8{0, 1, 2})
	b := sessionData("/dev/ttyUSB1", vars, []uint8{2, 1, 0})

	view := consensus.Compute([]device.Data{a, b})
	assert.True(t, view.Variables.Agreed)
	assert.False(t, view.ChannelMap.Agreed)
	assert.False(t, view.Complete.ChannelMap)
	assert.Equal(t, []string{"u", "i", "n"}, view.ChannelMap.Mismatch["/dev/ttyUSB0"])
	assert.Equal(t, []string{"n", "i", "u"}, view.ChannelMap.Mismatch["/dev/ttyUSB1"])
}

// 变量名录不一致时通道映射不可比，门保持关闭
func TestChannelMapGatedOnVariables(t *testing.T) {
	a := sessionData("/dev/ttyUSB0", []string{"u", "i", "n"}, []uint8{0, 1, 2})
	b := sessionData("/dev/ttyUSB1", []string{"u", "i", "x"}, []uint8{0, 1, 2})

	view := consensus.Compute([]device.Data{a, b})
	assert.False(t, view.Variables.Agreed)
	assert.False(t, view.ChannelMap.Agreed)
	assert.False(t, view.Complete.Variables)
	assert.False(t, view.Complete.ChannelMap)
}

func TestIncompleteCatalogBlocksAgreement(t *testing.T) {
	vars := []string{"u", "i", "n"}
	a := sessionData("/dev/ttyUSB0", vars, []uint8{0, 1, 2})
	b := sessionData("/dev/ttyUSB1", vars, []uint8{0, 1, 2})
	b.Variables.Complete = false

	view := consensus.Compute([]device.Data{a, b})
	assert.False(t, view.Variables.Agreed)
	assert.False(t, view.Complete.Variables)
}

func TestResolveIndexPerDevice(t *testing.T) {
	a := sessionData("/dev/ttyUSB0", []string{"u", "i", "n"}, []uint8{0, 1, 2})
	b := sessionData("/dev/ttyUSB1", []string{"n", "u", "i"}, []uint8{1, 2, 0})

	view := consensus.Compute([]device.Data{a, b})

	idx, ok := view.ResolveIndex("/dev/ttyUSB0", "n")
	require.True(t, ok)
	assert.Equal(t, uint8(2), idx)

	idx, ok = view.ResolveIndex("/dev/ttyUSB1", "n")
	require.True(t, ok)
	assert.Equal(t, uint8(0), idx)

	_, ok = view.ResolveIndex("/dev/ttyUSB0", "missing")
	assert.False(t, ok)
	_, ok = view.ResolveIndex("/dev/unknown", "n")
	assert.False(t, ok)
}

func TestMissingFieldBlocksScalar(t *testing.T) {
	vars := []string{"u", "i", "n"}
	a := sessionData("/dev/ttyUSB0", vars, []uint8{0, 1, 2})
	b := sessionData("/dev/ttyUSB1", vars, []uint8{0, 1, 2})
	b.Trigger = nil

	view := consensus.Compute([]device.Data{a, b})
	assert.False(t, view.Trigger.Agreed)
	assert.False(t, view.Complete.Trigger)
}
