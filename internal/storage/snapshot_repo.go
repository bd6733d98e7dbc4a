package storage

import (
	"context"

	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
	"github.com/taoyao-code/vscope-host/internal/storage/models"
)

// SnapshotMeta 快照入库所需的捕获元数据
type SnapshotMeta struct {
	DevicePath string
	Info       vscope.DeviceInfo
	Header     vscope.SnapshotHeader
}

// SnapshotRepo 快照持久化抽象。
// 约束：
// - 禁止上层直接写 SQL，统一通过本接口访问
// - 接口必须保持 DB-agnostic（面向模型与基础类型）
type SnapshotRepo interface {
	// Save 持久化一次完整快照，返回生成的快照 ID
	Save(ctx context.Context, meta SnapshotMeta, samples []float32) (string, error)
	// List 按捕获时间倒序分页列出快照（不含样本数据）
	List(ctx context.Context, limit, offset int) ([]models.Snapshot, error)
	// Get 按 ID 取回快照及其样本数据
	Get(ctx context.Context, id string) (*models.Snapshot, []float32, error)
}
