package biz

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// StageVersions 每个阶段的逻辑版本，版本变化使旧记录失效
type StageVersions struct {
	Raw  string
	Core string
	Mart string

	// Marts 额外的 mart 层级及其版本，共享同一份 raw/core
	Marts map[string]string
}

// For 返回指定阶段的版本
func (v StageVersions) For(stage Stage) string {
	switch stage {
	case StageRaw:
		return v.Raw
	case StageCore:
		return v.Core
	case StageMart:
		return v.Mart
	}
	return ""
}

// DefaultStageVersions 默认版本
var DefaultStageVersions = StageVersions{
	Raw:  "extract_v1",
	Core: "transform_v1",
	Mart: "aggregate_daily_v1",
}

// PipelineConfig 编排器配置，启动时由配置文件构建，之后只读
type PipelineConfig struct {
	RawMaxDays int
	Workers    int
	Strict     bool
	Domains    map[string]StageVersions
}

var levelPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Dataset 返回元数据和输出所在的命名空间，mart 层级存放在 <domain>/<level> 下
func Dataset(domain string, stage Stage, level string) string {
	if stage != StageMart || level == "" {
		return domain
	}
	return domain + "/" + level
}

// Version 返回 domain/stage 的版本，未配置的 domain 视为非法参数
func (c *PipelineConfig) Version(domain string, stage Stage) (string, error) {
	v, ok := c.Domains[domain]
	if !ok {
		return "", invalidArgument("unknown domain %q", domain)
	}
	if stage.Layer() == "" {
		return "", invalidArgument("invalid stage %q", stage)
	}
	if s := v.For(stage); s != "" {
		return s, nil
	}
	return DefaultStageVersions.For(stage), nil
}

// LevelVersion 返回 mart 层级的版本，level 为空或非 mart 阶段时等同 Version
func (c *PipelineConfig) LevelVersion(domain string, stage Stage, level string) (string, error) {
	version, err := c.Version(domain, stage)
	if err != nil || level == "" {
		return version, err
	}
	v, ok := c.Domains[domain].Marts[level]
	if !ok {
		return "", invalidArgument("unknown mart level %q for domain %q", level, domain)
	}
	if stage != StageMart {
		return version, nil
	}
	if v == "" {
		v = fmt.Sprintf("aggregate_%s_v1", level)
	}
	return v, nil
}

// Validate 校验配置
func (c *PipelineConfig) Validate() error {
	if c.RawMaxDays < 1 {
		return configErrorf("pipeline.raw_max_days must be at least 1, got %d", c.RawMaxDays)
	}
	if c.Workers < 1 {
		return configErrorf("pipeline.workers must be at least 1, got %d", c.Workers)
	}
	if len(c.Domains) == 0 {
		return configErrorf("pipeline.domains is empty")
	}
	for name, v := range c.Domains {
		for level := range v.Marts {
			if !levelPattern.MatchString(level) {
				return configErrorf("pipeline.domains.%s.marts: invalid level name %q", name, level)
			}
		}
	}
	return nil
}

// ExtractRequest 一次原始导出请求（单分店、单编码、单子范围）
type ExtractRequest struct {
	Domain string
	Branch string
	Code   string
	Range  DateRange
}

// StageRequest 一次 core/mart 阶段执行请求
type StageRequest struct {
	Domain   string
	Level    string // mart 层级，为空表示默认 mart
	Stage    Stage
	Range    DateRange
	Branches []string
	Version  string
}

// Dataset 返回本次执行的输出命名空间
func (r *StageRequest) Dataset() string {
	return Dataset(r.Domain, r.Stage, r.Level)
}

// Extractor 原始数据导出
type Extractor interface {
	Download(ctx context.Context, req *ExtractRequest) ([]string, error)
}

// Transformer 清洗，raw -> core
type Transformer interface {
	Clean(ctx context.Context, req *StageRequest, raw *Table) (*Table, error)
}

// Aggregator 聚合，core -> mart
type Aggregator interface {
	Aggregate(ctx context.Context, req *StageRequest, core *Table) (*Table, error)
}

// OutputRepo 读取各阶段已持久化的输出
type OutputRepo interface {
	Load(ctx context.Context, domain string, stage Stage, rng DateRange, branches []string) (*Table, error)
}

// PartitionLocker 跨进程的 (domain, stage) 锁
type PartitionLocker interface {
	Lock(ctx context.Context, domain string, stage Stage) (unlock func(context.Context) error, err error)
}

// StageEvent 一次 Fetch 完成后发布的事件
type StageEvent struct {
	Domain     string      `json:"domain"`
	Level      string      `json:"level,omitempty"`
	Stage      Stage       `json:"stage"`
	Start      string      `json:"start"`
	End        string      `json:"end"`
	Branches   []string    `json:"branches"`
	Executed   int         `json:"executed"`
	Failed     []DateRange `json:"failed"`
	FinishedAt time.Time   `json:"finished_at"`
}

// EventPublisher 事件发布
type EventPublisher interface {
	PublishStageEvent(ctx context.Context, evt *StageEvent) error
}

// RunRequestSource 运行请求的消息来源
type RunRequestSource interface {
	Subscribe(handle func(ctx context.Context, body []byte) error) error
	Close() error
}
