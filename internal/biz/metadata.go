package biz

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Stage 流水线阶段
type Stage string

const (
	StageRaw  Stage = "raw"  // 原始导出文件
	StageCore Stage = "core" // 清洗后的明细
	StageMart Stage = "mart" // 聚合结果
)

// stageChain 固定的依赖顺序
var stageChain = []Stage{StageRaw, StageCore, StageMart}

// Stages 返回全部阶段（按依赖顺序）
func Stages() []Stage {
	out := make([]Stage, len(stageChain))
	copy(out, stageChain)
	return out
}

// ParseStage 解析阶段名称
func ParseStage(s string) (Stage, error) {
	for _, st := range stageChain {
		if string(st) == s {
			return st, nil
		}
	}
	return "", invalidArgument("invalid stage %q, expected one of raw, core, mart", s)
}

// Chain 返回从 raw 到当前阶段（含）的阶段列表
func (s Stage) Chain() []Stage {
	for i, st := range stageChain {
		if st == s {
			return append([]Stage(nil), stageChain[:i+1]...)
		}
	}
	return nil
}

// Layer 返回数据目录中的层名
func (s Stage) Layer() string {
	switch s {
	case StageRaw:
		return "a_raw"
	case StageCore:
		return "b_clean"
	case StageMart:
		return "c_processed"
	default:
		return ""
	}
}

// Status 分区元数据状态
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusPartial Status = "partial"
)

// Valid 判断状态是否合法
func (s Status) Valid() bool {
	switch s {
	case StatusOK, StatusFailed, StatusPartial:
		return true
	}
	return false
}

// RunMode 运行模式
type RunMode string

const (
	ModeMissing RunMode = "missing" // 只处理缺口
	ModeForce   RunMode = "force"   // 强制重跑整个范围
)

// ParseRunMode 解析运行模式，空字符串视为 missing
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(s) {
	case "", ModeMissing:
		return ModeMissing, nil
	case ModeForce:
		return ModeForce, nil
	}
	return "", invalidArgument("invalid mode %q, expected missing or force", s)
}

// StageMetadata 分区完成记录
type StageMetadata struct {
	StartDate time.Time
	EndDate   time.Time
	Branches  []string
	Version   string
	LastRun   time.Time
	Status    Status
}

// Range 返回记录覆盖的日期范围
func (m *StageMetadata) Range() DateRange {
	return DateRange{Start: m.StartDate, End: m.EndDate}
}

// CoversBranches 判断记录的分店集合是否包含全部请求分店
func (m *StageMetadata) CoversBranches(branches []string) bool {
	have := make(map[string]struct{}, len(m.Branches))
	for _, b := range m.Branches {
		have[b] = struct{}{}
	}
	for _, b := range branches {
		if _, ok := have[b]; !ok {
			return false
		}
	}
	return true
}

type stageMetadataJSON struct {
	StartDate string   `json:"start_date"`
	EndDate   string   `json:"end_date"`
	Branches  []string `json:"branches"`
	Version   string   `json:"version"`
	LastRun   string   `json:"last_run"`
	Status    Status   `json:"status"`
}

// MarshalJSON implements json.Marshaler.
func (m *StageMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(stageMetadataJSON{
		StartDate: FormatDate(m.StartDate),
		EndDate:   FormatDate(m.EndDate),
		Branches:  NormalizeBranches(m.Branches),
		Version:   m.Version,
		LastRun:   m.LastRun.UTC().Format(time.RFC3339),
		Status:    m.Status,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Unknown statuses and malformed dates are rejected.
func (m *StageMetadata) UnmarshalJSON(b []byte) error {
	var raw stageMetadataJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	rng, err := ParseDateRange(raw.StartDate, raw.EndDate)
	if err != nil {
		return fmt.Errorf("invalid metadata range: %w", err)
	}
	if !raw.Status.Valid() {
		return fmt.Errorf("invalid metadata status %q", raw.Status)
	}
	var lastRun time.Time
	if raw.LastRun != "" {
		lastRun, err = time.Parse(time.RFC3339, raw.LastRun)
		if err != nil {
			return fmt.Errorf("invalid metadata last_run: %w", err)
		}
	}
	*m = StageMetadata{
		StartDate: rng.Start,
		EndDate:   rng.End,
		Branches:  NormalizeBranches(raw.Branches),
		Version:   raw.Version,
		LastRun:   lastRun,
		Status:    raw.Status,
	}
	return nil
}

// NormalizeBranches 排序并去重
func NormalizeBranches(branches []string) []string {
	seen := make(map[string]struct{}, len(branches))
	out := make([]string, 0, len(branches))
	for _, b := range branches {
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// SortMetadata 按 LastRun 升序排序，相同时按开始日期
func SortMetadata(records []*StageMetadata) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].LastRun.Equal(records[j].LastRun) {
			return records[i].LastRun.Before(records[j].LastRun)
		}
		return records[i].StartDate.Before(records[j].StartDate)
	})
}

// MetadataRepo 分区元数据仓储接口
type MetadataRepo interface {
	// Read 返回某个 (domain, stage) 的全部记录，按 LastRun 升序；损坏的记录被跳过
	Read(ctx context.Context, domain string, stage Stage) ([]*StageMetadata, error)
	// Write 写入一条记录，替换 (start, end) 完全相同的旧记录
	Write(ctx context.Context, domain string, stage Stage, rec *StageMetadata) error
}
