package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taoyao-code/vscope-host/internal/device"
	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
	"github.com/taoyao-code/vscope-host/internal/storage"
	"github.com/taoyao-code/vscope-host/internal/store"
)

// Handler REST API 处理器
type Handler struct {
	st     *store.Store
	repo   storage.SnapshotRepo
	logger *zap.Logger
}

// NewHandler 创建 API 处理器。repo 可为 nil（未启用持久化）。
func NewHandler(st *store.Store, repo storage.SnapshotRepo, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{st: st, repo: repo, logger: logger}
}

// deviceDTO 设备会话数据的对外表示
type deviceDTO struct {
	Path          string               `json:"path"`
	Conn          string               `json:"conn"`
	State         string               `json:"state"`
	Name          string               `json:"name,omitempty"`
	Info          *vscope.DeviceInfo   `json:"info,omitempty"`
	Timing        *vscope.Timing       `json:"timing,omitempty"`
	Trigger       *triggerDTO          `json:"trigger,omitempty"`
	ChannelMap    []uint8              `json:"channelMap,omitempty"`
	Variables     []string             `json:"variables,omitempty"`
	ChannelLabels []string             `json:"channelLabels,omitempty"`
	RtLabels      []string             `json:"rtLabels,omitempty"`
	LiveFrame     []float32            `json:"liveFrame,omitempty"`
	LastFault     *faultDTO            `json:"lastFault,omitempty"`
	UpdatedAt     map[string]time.Time `json:"updatedAt,omitempty"`
}

type triggerDTO struct {
	Threshold float32 `json:"threshold"`
	Channel   uint8   `json:"channel"`
	Mode      string  `json:"mode"`
}

type faultDTO struct {
	Op    string    `json:"op"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

func toDeviceDTO(d device.Data) deviceDTO {
	out := deviceDTO{
		Path:          d.Path,
		Conn:          d.Conn.String(),
		State:         d.State.String(),
		Info:          d.Info,
		Timing:        d.Timing,
		ChannelMap:    d.ChannelMap,
		Variables:     d.Variables.Names,
		ChannelLabels: d.ChannelLabels.Names,
		RtLabels:      d.RtLabels.Names,
		LiveFrame:     d.LiveFrame,
	}
	if d.Info != nil {
		out.Name = d.Info.Name
	}
	if d.Trigger != nil {
		out.Trigger = &triggerDTO{
			Threshold: d.Trigger.Threshold,
			Channel:   d.Trigger.Channel,
			Mode:      d.Trigger.Mode.String(),
		}
	}
	if d.LastFault != nil {
		out.LastFault = &faultDTO{Op: d.LastFault.Op, Error: d.LastFault.Err.Error(), At: d.LastFault.At}
	}
	if len(d.UpdatedAt) > 0 {
		out.UpdatedAt = make(map[string]time.Time, len(d.UpdatedAt))
		for k, v := range d.UpdatedAt {
			out.UpdatedAt[string(k)] = v
		}
	}
	return out
}

// ListDevices 查询全部设备会话
func (h *Handler) ListDevices(c *gin.Context) {
	datas := h.st.Sessions()
	out := make([]deviceDTO, 0, len(datas))
	for _, d := range datas {
		out = append(out, toDeviceDTO(d))
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

// GetConsensus 查询跨设备一致视图
func (h *Handler) GetConsensus(c *gin.Context) {
	c.JSON(http.StatusOK, h.st.View())
}

// ListSnapshots 分页查询已持久化的快照（不含样本）
func (h *Handler) ListSnapshots(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "snapshot storage disabled"})
		return
	}
	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil {
			limit = vv
		}
	}
	if v := c.Query("offset"); v != "" {
		if vv, e := strconv.Atoi(v); e == nil {
			offset = vv
		}
	}
	list, err := h.repo.List(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": list})
}

// GetSnapshot 按 ID 查询快照及样本数据
func (h *Handler) GetSnapshot(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "snapshot storage disabled"})
		return
	}
	record, samples, err := h.repo.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": record, "samples": samples})
}

type stateCommand struct {
	State string `json:"state" binding:"required"`
}

// CommandState 下发状态切换
func (h *Handler) CommandState(c *gin.Context) {
	var req stateCommand
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, ok := parseState(req.State)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown state: " + req.State})
		return
	}
	h.runCommand(c, "state", func() error { return h.st.CommandState(state) })
}

// CommandTrigger 下发软件触发
func (h *Handler) CommandTrigger(c *gin.Context) {
	h.runCommand(c, "trigger", func() error { return h.st.CommandTrigger() })
}

type timingCommand struct {
	Divider uint32 `json:"divider" binding:"required"`
	PreTrig uint32 `json:"preTrig"`
}

// CommandTiming 下发采样配置
func (h *Handler) CommandTiming(c *gin.Context) {
	var req timingCommand
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.runCommand(c, "timing", func() error {
		return h.st.CommandTiming(vscope.Timing{Divider: req.Divider, PreTrig: req.PreTrig})
	})
}

type triggerCfgCommand struct {
	Threshold float32 `json:"threshold"`
	Channel   uint8   `json:"channel"`
	Mode      string  `json:"mode" binding:"required"`
}

// CommandTriggerConfig 下发触发配置
func (h *Handler) CommandTriggerConfig(c *gin.Context) {
	var req triggerCfgCommand
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode, ok := parseTriggerMode(req.Mode)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown trigger mode: " + req.Mode})
		return
	}
	h.runCommand(c, "trigger config", func() error {
		return h.st.CommandTriggerConfig(vscope.TriggerConfig{
			Threshold: req.Threshold,
			Channel:   req.Channel,
			Mode:      mode,
		})
	})
}

type channelMapCommand struct {
	Names []string `json:"names" binding:"required"`
}

// CommandChannelMap 以变量名下发通道映射
func (h *Handler) CommandChannelMap(c *gin.Context) {
	var req channelMapCommand
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.runCommand(c, "channel map", func() error { return h.st.CommandChannelMap(req.Names) })
}

// runCommand 执行命令并统一映射错误：一致性门未满足 → 409
func (h *Handler) runCommand(c *gin.Context, name string, fn func() error) {
	if err := fn(); err != nil {
		if store.IsGateClosed(err) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.Warn("command failed", zap.String("command", name), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func parseState(s string) (vscope.DeviceState, bool) {
	switch s {
	case "stopped":
		return vscope.StateStopped, true
	case "running":
		return vscope.StateRunning, true
	case "acquiring":
		return vscope.StateAcquiring, true
	default:
		return 0, false
	}
}

func parseTriggerMode(s string) (vscope.TriggerMode, bool) {
	switch s {
	case "disabled":
		return vscope.TriggerDisabled, true
	case "rising":
		return vscope.TriggerRising, true
	case "falling":
		return vscope.TriggerFalling, true
	case "both":
		return vscope.TriggerBoth, true
	default:
		return 0, false
	}
}
