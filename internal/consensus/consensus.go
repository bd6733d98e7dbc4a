// Package consensus 在多台已连接设备的会话数据之上计算跨设备一致视图。
// 计算是纯函数：输入会话快照，输出视图，不持有状态。
package consensus

import (
	"sort"

	"github.com/taoyao-code/vscope-host/internal/device"
	"github.com/taoyao-code/vscope-host/internal/protocol/vscope"
)

// Scalar 单个标量字段的一致性结果。
// Agreed 时 Value 有效；不一致时 Mismatch 给出每台设备的取值。
type Scalar[T comparable] struct {
	Agreed   bool
	Value    T
	Mismatch map[string]T
}

// Names 一个名字集合（名录或通道映射）的一致性结果
type Names struct {
	Agreed   bool
	Names    []string
	Mismatch map[string][]string
}

// Completeness 各关注面的完备门：true 表示至少一台设备在线
// 且该关注面跨设备一致，相关命令才允许下发
type Completeness struct {
	StaticInfo bool
	Variables  bool
	ChannelMap bool
	Rt         bool
	Timing     bool
	Trigger    bool
}

// View 跨设备一致视图
type View struct {
	Devices []string // 在线设备（串口路径，有序）

	StaticInfo Scalar[vscope.StaticInfo]
	State      Scalar[vscope.DeviceState]
	Timing     Scalar[vscope.Timing]
	Trigger    Scalar[vscope.TriggerConfig]

	Variables     Names
	ChannelLabels Names
	RtLabels      Names
	// ChannelMap 以变量名序列表示，仅在变量名录一致时才有意义
	ChannelMap Names

	Complete Completeness

	// varIndex 设备 → 变量名 → 该设备上的索引
	varIndex map[string]map[string]uint8
}

// ResolveIndex 把变量名解析为指定设备上的变量索引。
// 同名变量在不同设备上的索引可以不同，命令下发前必须逐设备解析。
func (v View) ResolveIndex(devicePath, name string) (uint8, bool) {
	m, ok := v.varIndex[devicePath]
	if !ok {
		return 0, false
	}
	idx, ok := m[name]
	return idx, ok
}

// Compute 由全部会话快照计算一致视图。只考虑在线设备。
func Compute(sessions []device.Data) View {
	var connected []device.Data
	for _, d := range sessions {
		if d.Conn == device.Connected {
			connected = append(connected, d)
		}
	}
	sort.Slice(connected, func(i, j int) bool { return connected[i].Path < connected[j].Path })

	view := View{varIndex: make(map[string]map[string]uint8)}
	for _, d := range connected {
		view.Devices = append(view.Devices, d.Path)
		idx := make(map[string]uint8, len(d.Variables.Names))
		for i, n := range d.Variables.Names {
			idx[n] = uint8(i)
		}
		view.varIndex[d.Path] = idx
	}
	if len(connected) == 0 {
		return view
	}

	view.StaticInfo = computeScalar(connected, func(d device.Data) (vscope.StaticInfo, bool) {
		if d.Info == nil {
			return vscope.StaticInfo{}, false
		}
		return d.Info.Static(), true
	})
	view.State = computeScalar(connected, func(d device.Data) (vscope.DeviceState, bool) {
		return d.State, true
	})
	view.Timing = computeScalar(connected, func(d device.Data) (vscope.Timing, bool) {
		if d.Timing == nil {
			return vscope.Timing{}, false
		}
		return *d.Timing, true
	})
	view.Trigger = computeScalar(connected, func(d device.Data) (vscope.TriggerConfig, bool) {
		if d.Trigger == nil {
			return vscope.TriggerConfig{}, false
		}
		return *d.Trigger, true
	})

	// 名录按集合比较：顺序与索引允许逐设备不同
	view.Variables = computeNames(connected, func(d device.Data) (catalog, bool) {
		return catalog{d.Variables.Names, d.Variables.Complete}, true
	}, false)
	view.ChannelLabels = computeNames(connected, func(d device.Data) (catalog, bool) {
		return catalog{d.ChannelLabels.Names, d.ChannelLabels.Complete}, true
	}, false)
	view.RtLabels = computeNames(connected, func(d device.Data) (catalog, bool) {
		return catalog{d.RtLabels.Names, d.RtLabels.Complete}, true
	}, false)

	// 通道映射的索引只在本设备内有意义，先译成变量名再按序列比较；
	// 变量名录不一致时映射不可比
	if view.Variables.Agreed {
		view.ChannelMap = computeNames(connected, func(d device.Data) (catalog, bool) {
			names, ok := mapToNames(d.ChannelMap, d.Variables.Names)
			return catalog{names, true}, ok
		}, true)
	}

	view.Complete = Completeness{
		StaticInfo: view.StaticInfo.Agreed,
		Variables:  view.Variables.Agreed,
		ChannelMap: view.Variables.Agreed && view.ChannelMap.Agreed,
		Rt:         view.RtLabels.Agreed,
		Timing:     view.Timing.Agreed,
		Trigger:    view.Trigger.Agreed,
	}
	return view
}

// catalog 供一致性计算使用的名录投影
type catalog struct {
	Names    []string
	Complete bool
}

func computeScalar[T comparable](devs []device.Data, get func(device.Data) (T, bool)) Scalar[T] {
	var out Scalar[T]
	first := true
	agreed := true
	for _, d := range devs {
		v, ok := get(d)
		if !ok {
			agreed = false
			continue
		}
		if first {
			out.Value, first = v, false
		} else if v != out.Value {
			agreed = false
		}
	}
	if first {
		// 没有任何设备给出取值
		return Scalar[T]{}
	}
	if agreed {
		out.Agreed = true
		return out
	}
	out.Value = *new(T)
	out.Mismatch = make(map[string]T, len(devs))
	for _, d := range devs {
		if v, ok := get(d); ok {
			out.Mismatch[d.Path] = v
		}
	}
	return out
}

// computeNames 对各设备的名字列表求一致。
// ordered 为 true 时按序列比较，否则按集合比较。
func computeNames(devs []device.Data, get func(device.Data) (catalog, bool), ordered bool) Names {
	agreed := true
	var ref []string
	first := true
	for _, d := range devs {
		c, ok := get(d)
		if !ok || !c.Complete {
			agreed = false
			continue
		}
		if first {
			ref, first = c.Names, false
			continue
		}
		if ordered {
			if !equalSeq(c.Names, ref) {
				agreed = false
			}
		} else if !equalSet(c.Names, ref) {
			agreed = false
		}
	}
	if first {
		return Names{}
	}
	if agreed {
		return Names{Agreed: true, Names: ref}
	}
	out := Names{Mismatch: make(map[string][]string, len(devs))}
	for _, d := range devs {
		if c, ok := get(d); ok {
			out.Mismatch[d.Path] = c.Names
		}
	}
	return out
}

// mapToNames 把通道映射的变量索引译成变量名
func mapToNames(chMap []uint8, vars []string) ([]string, bool) {
	names := make([]string, len(chMap))
	for i, idx := range chMap {
		if int(idx) >= len(vars) {
			return nil, false
		}
		names[i] = vars[idx]
	}
	return names, true
}

func equalSeq(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, n := range a {
		seen[n]++
	}
	for _, n := range b {
		seen[n]--
		if seen[n] < 0 {
			return false
		}
	}
	return true
}
