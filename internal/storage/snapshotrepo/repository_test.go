package snapshotrepo_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
	"github.com/taoyao-code/vscope-host/internal/storage"
	"github.com/taoyao-code/vscope-host/internal/storage/snapshotrepo"
)

func testMeta() storage.SnapshotMeta {
	return storage.SnapshotMeta{
		DevicePath: "/dev/ttyUSB0",
		Info: vscope.DeviceInfo{
			Version:       1,
			ChannelCount:  2,
			BufferSize:    4,
			SampleRateKHz: 20,
			Name:          "rig-a",
		},
		Header: vscope.SnapshotHeader{
			ChannelMap: []uint8{0, 3},
			Timing:     vscope.Timing{Divider: 2, PreTrig: 1},
			Trigger:    vscope.TriggerConfig{Threshold: 0.5, Channel: 1, Mode: vscope.TriggerRising},
			RtValues:   []float32{1.5, -2.25},
		},
	}
}

func TestSaveAndGet(t *testing.T) {
	repo, err := snapshotrepo.Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)

	samples := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	id, err := repo.Save(context.Background(), testMeta(), samples)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	record, got, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", record.DevicePath)
	assert.Equal(t, "rig-a", record.DeviceName)
	assert.Equal(t, int32(2), record.ChannelCount)
	assert.Equal(t, int32(4), record.SampleCount)
	assert.Equal(t, int64(2), record.Divider)
	assert.Equal(t, int64(1), record.PreTrig)
	assert.InDelta(t, 0.5, record.TrigThreshold, 1e-9)
	assert.Equal(t, []uint8{0, 3}, record.ChannelMap)
	require.Len(t, record.RtValues, 2)
	assert.InDelta(t, 1.5, record.RtValues[0], 1e-9)
	assert.Equal(t, samples, got)
}

func TestGetMissing(t *testing.T) {
	repo, err := snapshotrepo.Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)

	_, _, err = repo.Get(context.Background(), "no-such-id")
	require.Error(t, err)
}

func TestListOrderingAndPaging(t *testing.T) {
	repo, err := snapshotrepo.Open(filepath.Join(t.TempDir(), "snap.db"))
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := repo.Save(context.Background(), testMeta(), []float32{float32(i)})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	list, err := repo.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	// 列表不携带样本
	for _, s := range list {
		assert.Empty(t, s.Samples)
	}

	page, err := repo.List(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	rest, err := repo.List(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}
