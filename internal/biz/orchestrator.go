package biz

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/errgroup"
)

// FetchRequest 一次编排请求
type FetchRequest struct {
	Domain       string
	Level        string // mart 层级，为空表示默认 mart
	Stage        Stage
	Range        DateRange
	Branches     []string // 为空表示全部已注册分店
	Mode         RunMode
	UpstreamMode *RunMode // 为空表示 missing
	Strict       bool
}

// StageReport 单个阶段的执行报告
type StageReport struct {
	Stage    Stage                  `json:"stage"`
	Version  string                 `json:"version"`
	Mode     RunMode                `json:"mode"`
	Gaps     []DateRange            `json:"gaps"`
	Pieces   []DateRange            `json:"pieces"`
	Skipped  []DateRange            `json:"skipped,omitempty"`
	Failed   []DateRange            `json:"failed,omitempty"`
	Failures []*StageExecutionError `json:"-"`
}

// FetchResult 编排结果
type FetchResult struct {
	Domain   string
	Level    string
	Stage    Stage
	Range    DateRange
	Branches []string
	Table    *Table
	Stages   []*StageReport
	Failed   []DateRange
	Warnings []string
}

// Executed 实际执行的分区数
func (r *FetchResult) Executed() int {
	n := 0
	for _, s := range r.Stages {
		n += len(s.Pieces)
	}
	return n
}

// StagePlan 预演结果
type StagePlan struct {
	Stage   Stage       `json:"stage"`
	Version string      `json:"version"`
	Mode    RunMode     `json:"mode"`
	Gaps    []DateRange `json:"gaps"`
	Pieces  []DateRange `json:"pieces"`
}

// PipelineUsecase 增量流水线编排用例
type PipelineUsecase struct {
	cfg       *PipelineConfig
	registry  *BranchRegistry
	meta      MetadataRepo
	out       OutputRepo
	extractor Extractor
	cleaner   Transformer
	agg       Aggregator
	locker    PartitionLocker
	publisher EventPublisher
	fsm       *PartitionFSMManager
	now       func() time.Time
	log       *log.Helper
}

// NewPipelineUsecase 创建编排用例
func NewPipelineUsecase(
	cfg *PipelineConfig,
	registry *BranchRegistry,
	meta MetadataRepo,
	out OutputRepo,
	extractor Extractor,
	cleaner Transformer,
	agg Aggregator,
	locker PartitionLocker,
	publisher EventPublisher,
	logger log.Logger,
) *PipelineUsecase {
	return &PipelineUsecase{
		cfg:       cfg,
		registry:  registry,
		meta:      meta,
		out:       out,
		extractor: extractor,
		cleaner:   cleaner,
		agg:       agg,
		locker:    locker,
		publisher: publisher,
		fsm:       NewPartitionFSMManager(logger),
		now:       func() time.Time { return time.Now().UTC() },
		log:       log.NewHelper(logger),
	}
}

// Registry 返回分店注册表
func (uc *PipelineUsecase) Registry() *BranchRegistry {
	return uc.registry
}

// Config 返回编排配置
func (uc *PipelineUsecase) Config() *PipelineConfig {
	return uc.cfg
}

type fetchPlan struct {
	branches     []string
	mode         RunMode
	upstreamMode RunMode
}

func (uc *PipelineUsecase) prepare(req *FetchRequest) (*fetchPlan, error) {
	if req == nil {
		return nil, invalidArgument("empty request")
	}
	if _, err := uc.cfg.LevelVersion(req.Domain, req.Stage, req.Level); err != nil {
		return nil, err
	}
	if req.Range.Start.IsZero() || req.Range.End.Before(req.Range.Start) {
		return nil, invalidArgument("invalid range %s", req.Range)
	}
	mode, err := ParseRunMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	upstream := ModeMissing
	if req.UpstreamMode != nil {
		if upstream, err = ParseRunMode(string(*req.UpstreamMode)); err != nil {
			return nil, err
		}
	}
	branches, err := uc.registry.ResolveBranches(req.Branches)
	if err != nil {
		return nil, err
	}
	return &fetchPlan{branches: branches, mode: mode, upstreamMode: upstream}, nil
}

func (p *fetchPlan) modeFor(stage, target Stage) RunMode {
	if stage == target {
		return p.mode
	}
	return p.upstreamMode
}

// Fetch 按依赖顺序补齐 raw -> core -> mart 中缺失的分区，并返回目标阶段的数据
func (uc *PipelineUsecase) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	plan, err := uc.prepare(req)
	if err != nil {
		return nil, err
	}

	result := &FetchResult{
		Domain:   req.Domain,
		Level:    req.Level,
		Stage:    req.Stage,
		Range:    req.Range,
		Branches: plan.branches,
	}

	dataset := Dataset(req.Domain, req.Stage, req.Level)
	uc.log.Infof("Fetch %s/%s %s mode=%s branches=%d", dataset, req.Stage, req.Range.Key(), plan.mode, len(plan.branches))

	var blocked []DateRange
	for _, stage := range req.Stage.Chain() {
		report, err := uc.runStage(ctx, req.Domain, req.Level, stage, req.Range, plan.branches, plan.modeFor(stage, req.Stage), blocked)
		if err != nil {
			return nil, err
		}
		result.Stages = append(result.Stages, report)
		blocked = MergeRanges(append(blocked, report.Failed...))
		// 已写入的元数据保留，下次 Fetch 从失败处继续
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("fetch %s/%s interrupted after %s: %w", req.Domain, req.Stage, stage, err)
		}
	}
	result.Failed = blocked

	table, err := uc.out.Load(ctx, dataset, req.Stage, req.Range, plan.branches)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s output: %w", dataset, req.Stage, err)
	}
	if table == nil {
		table = NewTable()
	}
	table.Sort()
	result.Table = table

	uc.publish(ctx, result)

	if len(result.Failed) > 0 {
		perr := &PartialFailureError{
			Domain: dataset,
			Stage:  req.Stage,
			Failed: result.Failed,
			Result: result,
		}
		for _, s := range result.Stages {
			perr.Failures = append(perr.Failures, s.Failures...)
		}
		if req.Strict {
			uc.log.Errorf("Fetch %s/%s finished with failures: %v", req.Domain, req.Stage, perr)
			return nil, perr
		}
		uc.log.Warnf("Fetch %s/%s returned partial data: %v", req.Domain, req.Stage, perr)
		result.Warnings = append(result.Warnings, perr.Error())
	}

	uc.log.Infof("Fetch %s/%s %s done: %d partition(s) executed, %d row(s)",
		req.Domain, req.Stage, req.Range.Key(), result.Executed(), result.Table.Len())
	return result, nil
}

// runStage 执行单个阶段：加锁、读元数据、规划缺口、执行分区、写入 partial 记录
func (uc *PipelineUsecase) runStage(ctx context.Context, domain, level string, stage Stage, rng DateRange, branches []string, mode RunMode, blocked []DateRange) (*StageReport, error) {
	version, err := uc.cfg.LevelVersion(domain, stage, level)
	if err != nil {
		return nil, err
	}
	target := &StageRequest{Domain: domain, Level: level, Stage: stage, Branches: branches, Version: version}
	dataset := target.Dataset()

	unlock, err := uc.locker.Lock(ctx, dataset, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s/%s: %w", dataset, stage, err)
	}
	defer func() {
		if err := unlock(context.Background()); err != nil {
			uc.log.Warnf("Failed to unlock %s/%s: %v", dataset, stage, err)
		}
	}()

	records, err := uc.meta.Read(ctx, dataset, stage)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s metadata: %w", dataset, stage, err)
	}

	gaps, err := Plan(rng, records, branches, version, mode)
	if err != nil {
		return nil, err
	}

	report := &StageReport{Stage: stage, Version: version, Mode: mode, Gaps: gaps}
	for _, gap := range gaps {
		// 上游失败的范围不执行，直接记为失败
		report.Skipped = append(report.Skipped, IntersectRanges(gap, blocked)...)
		for _, runnable := range SubtractRanges(gap, blocked) {
			pieces, err := uc.split(stage, runnable)
			if err != nil {
				return nil, err
			}
			report.Pieces = append(report.Pieces, pieces...)
		}
	}

	if len(gaps) == 0 {
		uc.log.Infof("Stage %s/%s %s is up to date", dataset, stage, rng.Key())
	} else {
		uc.log.Infof("Stage %s/%s: %d gap(s), %d partition(s) to run, %d skipped", dataset, stage, len(gaps), len(report.Pieces), len(report.Skipped))
	}

	report.Failures = uc.runPieces(ctx, target, records, report.Pieces)

	failed := append([]DateRange(nil), report.Skipped...)
	for _, f := range report.Failures {
		failed = append(failed, f.Range)
	}
	report.Failed = MergeRanges(failed)

	if len(report.Failed) > 0 {
		rec := &StageMetadata{
			StartDate: rng.Start,
			EndDate:   rng.End,
			Branches:  branches,
			Version:   version,
			LastRun:   uc.now(),
			Status:    StatusPartial,
		}
		if err := uc.meta.Write(ctx, dataset, stage, rec); err != nil {
			uc.log.Errorf("Failed to write partial metadata for %s/%s %s: %v", dataset, stage, rng.Key(), err)
		}
	}
	return report, nil
}

func (uc *PipelineUsecase) split(stage Stage, rng DateRange) ([]DateRange, error) {
	if stage == StageRaw {
		return Chunk(rng, uc.cfg.RawMaxDays)
	}
	return []DateRange{rng}, nil
}

// runPieces 在有界工作池中执行分区，单个失败不影响其余分区
func (uc *PipelineUsecase) runPieces(ctx context.Context, target *StageRequest, records []*StageMetadata, pieces []DateRange) []*StageExecutionError {
	var (
		mu       sync.Mutex
		failures []*StageExecutionError
		g        errgroup.Group
	)
	g.SetLimit(uc.cfg.Workers)

	dataset := target.Dataset()
	for _, piece := range pieces {
		req := *target
		req.Range = piece
		g.Go(func() error {
			if err := uc.runPiece(ctx, &req, records); err != nil {
				uc.log.Errorf("Partition %s/%s %s failed: %v", dataset, req.Stage, req.Range.Key(), err)
				mu.Lock()
				failures = append(failures, &StageExecutionError{Domain: dataset, Stage: req.Stage, Range: req.Range, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(failures, func(i, j int) bool { return failures[i].Range.Start.Before(failures[j].Range.Start) })
	return failures
}

// runPiece 执行单个分区并写入元数据
func (uc *PipelineUsecase) runPiece(ctx context.Context, req *StageRequest, records []*StageMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p := &Partition{Domain: req.Dataset(), Stage: req.Stage, Range: req.Range, Branches: req.Branches}
	uc.fsm.CreateFSM(p, InitialState(records, req.Range))
	if err := uc.fsm.Begin(ctx, p); err != nil {
		return err
	}

	started := time.Now()
	runErr := uc.invoke(ctx, req)

	status, err := uc.fsm.Finish(ctx, p, runErr)
	if err != nil {
		return err
	}

	rec := &StageMetadata{
		StartDate: req.Range.Start,
		EndDate:   req.Range.End,
		Branches:  req.Branches,
		Version:   req.Version,
		LastRun:   uc.now(),
		Status:    status,
	}
	if err := uc.meta.Write(ctx, p.Domain, p.Stage, rec); err != nil {
		if runErr != nil {
			return fmt.Errorf("%w (metadata write also failed: %v)", runErr, err)
		}
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if runErr != nil {
		return runErr
	}

	uc.log.Infof("Partition %s completed in %s", p, time.Since(started).Round(time.Millisecond))
	return nil
}

// invoke 调用阶段对应的协作者
func (uc *PipelineUsecase) invoke(ctx context.Context, req *StageRequest) error {
	switch req.Stage {
	case StageRaw:
		return uc.extract(ctx, req)
	case StageCore:
		raw, err := uc.out.Load(ctx, req.Domain, StageRaw, req.Range, req.Branches)
		if err != nil {
			return fmt.Errorf("failed to load raw input: %w", err)
		}
		if _, err := uc.cleaner.Clean(ctx, req, raw); err != nil {
			return fmt.Errorf("failed to clean: %w", err)
		}
		return nil
	case StageMart:
		core, err := uc.out.Load(ctx, req.Domain, StageCore, req.Range, req.Branches)
		if err != nil {
			return fmt.Errorf("failed to load core input: %w", err)
		}
		if _, err := uc.agg.Aggregate(ctx, req, core); err != nil {
			return fmt.Errorf("failed to aggregate: %w", err)
		}
		return nil
	}
	return invalidArgument("invalid stage %q", req.Stage)
}

// extract 按分店和编码窗口拆分后逐个导出
func (uc *PipelineUsecase) extract(ctx context.Context, req *StageRequest) error {
	for _, branch := range req.Branches {
		segments, err := uc.registry.Segments(branch, req.Range)
		if err != nil {
			return err
		}
		if len(segments) == 0 {
			uc.log.Warnf("Branch %s has no valid code in %s, skipped", branch, req.Range)
		}
		for _, seg := range segments {
			files, err := uc.extractor.Download(ctx, &ExtractRequest{
				Domain: req.Domain,
				Branch: branch,
				Code:   seg.Code,
				Range:  seg.Range,
			})
			if err != nil {
				return fmt.Errorf("failed to download %s/%s %s: %w", branch, seg.Code, seg.Range.Key(), err)
			}
			uc.log.Debugf("Downloaded %d file(s) for %s/%s %s", len(files), branch, seg.Code, seg.Range.Key())
		}
	}
	return nil
}

func (uc *PipelineUsecase) publish(ctx context.Context, result *FetchResult) {
	if result.Executed() == 0 {
		return
	}
	evt := &StageEvent{
		Domain:     result.Domain,
		Level:      result.Level,
		Stage:      result.Stage,
		Start:      FormatDate(result.Range.Start),
		End:        FormatDate(result.Range.End),
		Branches:   result.Branches,
		Executed:   result.Executed(),
		Failed:     result.Failed,
		FinishedAt: uc.now(),
	}
	if err := uc.publisher.PublishStageEvent(ctx, evt); err != nil {
		uc.log.Warnf("Failed to publish stage event for %s/%s: %v", result.Domain, result.Stage, err)
	}
}

// Load 只读取已完成的数据，存在缺口时返回 NotFound
func (uc *PipelineUsecase) Load(ctx context.Context, req *FetchRequest) (*Table, error) {
	plan, err := uc.prepare(&FetchRequest{Domain: req.Domain, Level: req.Level, Stage: req.Stage, Range: req.Range, Branches: req.Branches})
	if err != nil {
		return nil, err
	}
	version, _ := uc.cfg.LevelVersion(req.Domain, req.Stage, req.Level)
	dataset := Dataset(req.Domain, req.Stage, req.Level)

	records, err := uc.meta.Read(ctx, dataset, req.Stage)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s metadata: %w", dataset, req.Stage, err)
	}
	gaps, err := Plan(req.Range, records, plan.branches, version, ModeMissing)
	if err != nil {
		return nil, err
	}
	if len(gaps) > 0 {
		return nil, NewPartitionNotFound(dataset, req.Stage, gaps)
	}

	table, err := uc.out.Load(ctx, dataset, req.Stage, req.Range, plan.branches)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s output: %w", dataset, req.Stage, err)
	}
	if table == nil {
		table = NewTable()
	}
	table.Sort()
	return table, nil
}

// PlanFetch 预演一次 Fetch，返回各阶段将要执行的缺口，不执行任何操作
func (uc *PipelineUsecase) PlanFetch(ctx context.Context, req *FetchRequest) ([]*StagePlan, error) {
	plan, err := uc.prepare(req)
	if err != nil {
		return nil, err
	}
	var out []*StagePlan
	for _, stage := range req.Stage.Chain() {
		version, _ := uc.cfg.LevelVersion(req.Domain, stage, req.Level)
		dataset := Dataset(req.Domain, stage, req.Level)
		records, err := uc.meta.Read(ctx, dataset, stage)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s/%s metadata: %w", dataset, stage, err)
		}
		mode := plan.modeFor(stage, req.Stage)
		gaps, err := Plan(req.Range, records, plan.branches, version, mode)
		if err != nil {
			return nil, err
		}
		sp := &StagePlan{Stage: stage, Version: version, Mode: mode, Gaps: gaps}
		for _, gap := range gaps {
			pieces, err := uc.split(stage, gap)
			if err != nil {
				return nil, err
			}
			sp.Pieces = append(sp.Pieces, pieces...)
		}
		out = append(out, sp)
	}
	return out, nil
}

// Status 列出 domain/stage 的全部元数据记录，level 只对 mart 生效
func (uc *PipelineUsecase) Status(ctx context.Context, domain string, stage Stage, level string) ([]*StageMetadata, error) {
	if _, err := uc.cfg.LevelVersion(domain, stage, level); err != nil {
		return nil, err
	}
	return uc.meta.Read(ctx, Dataset(domain, stage, level), stage)
}
