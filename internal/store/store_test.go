package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/vscope-host/internal/client"
	"github.com/taoyao-code/vscope-host/internal/device"
	"github.com/taoyao-code/vscope-host/internal/devsim"
	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
	"github.com/taoyao-code/vscope-host/internal/serial"
	"github.com/taoyao-code/vscope-host/internal/store"
)

func storeVars() []string {
	return []string{"u_dc", "i_a", "i_b", "rpm", "torque", "temp"}
}

func addSimSession(t *testing.T, ctx context.Context, st *store.Store, path string, dev *devsim.Device) *device.Session {
	t.Helper()
	open := func(p string, cfg serial.PortConfig) (serial.Port, error) {
		return dev.OpenPort(), nil
	}
	tr := serial.New(open, 50*time.Millisecond, nil)
	h, err := tr.Open(path, serial.PortConfig{BaudRate: 115200})
	require.NoError(t, err)
	t.Cleanup(func() { tr.CloseAll() })

	cl := client.New(tr, h, client.Options{CrcRetryAttempts: 1})
	sess := device.NewSession(path, cl, device.Options{
		StatePollHz: 100,
		FramePollHz: 50,
		OnChange:    st.OnChange,
	})
	st.Add(sess)
	sess.Start(ctx)
	return sess
}

func waitView(t *testing.T, st *store.Store, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("view condition not reached before deadline")
}

func TestGateClosedWithoutDevices(t *testing.T) {
	st := store.New(nil, nil)

	err := st.CommandState(vscope.StateRunning)
	require.Error(t, err)
	assert.True(t, store.IsGateClosed(err))

	err = st.CommandTiming(vscope.Timing{Divider: 1})
	require.Error(t, err)
	assert.True(t, store.IsGateClosed(err))
}

func TestConsensusAcrossTwoDevices(t *testing.T) {
	st := store.New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer st.StopAll()

	devA := devsim.New(devsim.Options{Name: "rig-a", Variables: storeVars()})
	devB := devsim.New(devsim.Options{Name: "rig-b", Variables: storeVars()})
	addSimSession(t, ctx, st, "simA", devA)
	addSimSession(t, ctx, st, "simB", devB)

	waitView(t, st, 3*time.Second, func() bool {
		return len(st.View().Devices) == 2
	})

	view := st.View()
	assert.True(t, view.Complete.Variables)
	assert.True(t, view.Complete.Timing)
	assert.True(t, view.StaticInfo.Agreed)
	assert.Equal(t, storeVars(), view.Variables.Names)
}

func TestCommandFanout(t *testing.T) {
	st := store.New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer st.StopAll()

	devA := devsim.New(devsim.Options{Variables: storeVars()})
	devB := devsim.New(devsim.Options{Variables: storeVars()})
	addSimSession(t, ctx, st, "simA", devA)
	addSimSession(t, ctx, st, "simB", devB)

	waitView(t, st, 3*time.Second, func() bool {
		v := st.View()
		return len(v.Devices) == 2 && v.Complete.Timing
	})

	want := vscope.Timing{Divider: 5, PreTrig: 64}
	require.NoError(t, st.CommandTiming(want))

	for _, d := range st.Sessions() {
		require.NotNil(t, d.Timing, d.Path)
		assert.Equal(t, want, *d.Timing, d.Path)
	}

	require.NoError(t, st.CommandState(vscope.StateRunning))
	waitView(t, st, 2*time.Second, func() bool {
		v := st.View()
		return v.State.Agreed && v.State.Value == vscope.StateRunning
	})
	assert.Equal(t, vscope.StateRunning, devA.State())
	assert.Equal(t, vscope.StateRunning, devB.State())
}

func TestCommandChannelMapResolvesPerDevice(t *testing.T) {
	st := store.New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer st.StopAll()

	// 相同变量集合、不同注册顺序
	devA := devsim.New(devsim.Options{Variables: []string{"u", "i", "n", "m", "p", "q"}})
	devB := devsim.New(devsim.Options{Variables: []string{"q", "p", "m", "n", "i", "u"}})
	addSimSession(t, ctx, st, "simA", devA)
	addSimSession(t, ctx, st, "simB", devB)

	waitView(t, st, 3*time.Second, func() bool {
		v := st.View()
		return len(v.Devices) == 2 && v.Complete.Variables
	})

	require.NoError(t, st.CommandChannelMap([]string{"n", "i", "u", "m", "p"}))

	waitView(t, st, 2*time.Second, func() bool {
		v := st.View()
		return v.ChannelMap.Agreed
	})
	assert.Equal(t, []string{"n", "i", "u", "m", "p"}, st.View().ChannelMap.Names)

	// 底层索引逐设备不同
	var a, b device.Data
	for _, d := range st.Sessions() {
		switch d.Path {
		case "simA":
			a = d
		case "simB":
			b = d
		}
	}
	assert.Equal(t, []uint8{2, 1, 0, 3, 4}, a.ChannelMap)
	assert.Equal(t, []uint8{3, 4, 5, 2, 1}, b.ChannelMap)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	st := store.New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer st.StopAll()

	ch, unsub := st.Subscribe()
	defer unsub()
	// 订阅即拿到当前视图
	first := <-ch
	assert.Empty(t, first.Devices)

	dev := devsim.New(devsim.Options{Variables: storeVars()})
	addSimSession(t, ctx, st, "simA", dev)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case v := <-ch:
			if len(v.Devices) == 1 {
				return
			}
		case <-deadline:
			t.Fatal("no view update with connected device")
		}
	}
}

func TestRemoveStopsSession(t *testing.T) {
	st := store.New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dev := devsim.New(devsim.Options{Variables: storeVars()})
	addSimSession(t, ctx, st, "simA", dev)

	waitView(t, st, 3*time.Second, func() bool { return len(st.View().Devices) == 1 })

	assert.True(t, st.Remove("simA"))
	assert.False(t, st.Remove("simA"))
	assert.Empty(t, st.View().Devices)
	assert.Empty(t, st.Sessions())
}
