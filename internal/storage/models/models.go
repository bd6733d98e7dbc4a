package models

import (
	"time"
)

// 注意：
// - 显式声明每个字段，不使用 gorm.Model，避免隐式 DeletedAt
// - Samples 以小端 float32 序列存为 BLOB，结构化元数据存独立列

// Snapshot 映射 snapshots 表：一次采集的完整快照
type Snapshot struct {
	// UUID 主键
	ID string `gorm:"column:id;primaryKey;type:text"`
	// 采集来源串口路径与设备名
	DevicePath string `gorm:"column:device_path;type:text;not null;index"`
	DeviceName string `gorm:"column:device_name;type:text;not null"`
	// 采集完成时间
	CapturedAt time.Time `gorm:"column:captured_at;not null;index"`

	// 静态信息
	ChannelCount  int32 `gorm:"column:channel_count;not null"`
	SampleCount   int32 `gorm:"column:sample_count;not null"`
	SampleRateKHz int32 `gorm:"column:sample_rate_khz;not null"`

	// 采样与触发配置（捕获时刻）
	Divider       int64   `gorm:"column:divider;not null"`
	PreTrig       int64   `gorm:"column:pre_trig;not null"`
	TrigThreshold float64 `gorm:"column:trig_threshold;not null"`
	TrigChannel   int32   `gorm:"column:trig_channel;not null"`
	TrigMode      int32   `gorm:"column:trig_mode;not null"`

	// 捕获时刻的通道映射与实时值
	ChannelMap []uint8   `gorm:"column:channel_map;serializer:json"`
	RtValues   []float64 `gorm:"column:rt_values;serializer:json"`

	// 样本数据：sample_count × channel_count 个小端 float32
	Samples []byte `gorm:"column:samples;type:blob"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Snapshot) TableName() string { return "snapshots" }
