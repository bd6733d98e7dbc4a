// Package snapshotrepo 基于 GORM + SQLite 的快照仓储实现
package snapshotrepo

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/taoyao-code/vscope-host/internal/storage"
	"github.com/taoyao-code/vscope-host/internal/storage/models"
)

// Repository 基于 GORM 的 SnapshotRepo 实现
type Repository struct {
	db *gorm.DB
}

// Open 打开（必要时创建）SQLite 库并完成迁移
func Open(path string) (*Repository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&models.Snapshot{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

// New 返回一个使用给定 *gorm.DB 的 SnapshotRepo 实例
func New(db *gorm.DB) storage.SnapshotRepo {
	return &Repository{db: db}
}

// Save 持久化一次完整快照，返回生成的快照 ID
func (r *Repository) Save(ctx context.Context, meta storage.SnapshotMeta, samples []float32) (string, error) {
	chCount := int(meta.Info.ChannelCount)
	sampleCount := 0
	if chCount > 0 {
		sampleCount = len(samples) / chCount
	}

	rt := make([]float64, len(meta.Header.RtValues))
	for i, v := range meta.Header.RtValues {
		rt[i] = float64(v)
	}

	record := &models.Snapshot{
		ID:            uuid.NewString(),
		DevicePath:    meta.DevicePath,
		DeviceName:    meta.Info.Name,
		CapturedAt:    time.Now(),
		ChannelCount:  int32(chCount),
		SampleCount:   int32(sampleCount),
		SampleRateKHz: int32(meta.Info.SampleRateKHz),
		Divider:       int64(meta.Header.Timing.Divider),
		PreTrig:       int64(meta.Header.Timing.PreTrig),
		TrigThreshold: float64(meta.Header.Trigger.Threshold),
		TrigChannel:   int32(meta.Header.Trigger.Channel),
		TrigMode:      int32(meta.Header.Trigger.Mode),
		ChannelMap:    append([]uint8(nil), meta.Header.ChannelMap...),
		RtValues:      rt,
		Samples:       packSamples(samples),
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}
	return record.ID, nil
}

// List 按捕获时间倒序分页列出快照（不含样本数据）
func (r *Repository) List(ctx context.Context, limit, offset int) ([]models.Snapshot, error) {
	var out []models.Snapshot
	q := r.db.WithContext(ctx).
		Omit("samples").
		Order("captured_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Get 按 ID 取回快照及其样本数据
func (r *Repository) Get(ctx context.Context, id string) (*models.Snapshot, []float32, error) {
	var record models.Snapshot
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error; err != nil {
		return nil, nil, err
	}
	return &record, unpackSamples(record.Samples), nil
}

// packSamples 小端 float32 序列化
func packSamples(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, v := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func unpackSamples(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}
