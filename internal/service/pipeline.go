package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"posetl/internal/biz"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// PipelineService 流水线 API 服务
type PipelineService struct {
	pipeline *biz.PipelineUsecase
	runs     *biz.RunUsecase
	executor *RunExecutor
	log      *log.Helper
}

// NewPipelineService 创建流水线 API 服务
func NewPipelineService(pipeline *biz.PipelineUsecase, runs *biz.RunUsecase, executor *RunExecutor, logger log.Logger) *PipelineService {
	return &PipelineService{
		pipeline: pipeline,
		runs:     runs,
		executor: executor,
		log:      log.NewHelper(log.With(logger, "module", "service/pipeline")),
	}
}

// FetchRequest Fetch / 异步运行请求
type FetchRequest struct {
	Domain       string   `json:"domain"`
	Level        string   `json:"level,omitempty"`
	Stage        string   `json:"stage"`
	Start        string   `json:"start"`
	End          string   `json:"end"`
	Branches     []string `json:"branches,omitempty"`
	Mode         string   `json:"mode,omitempty"`
	UpstreamMode string   `json:"upstream_mode,omitempty"`
	Strict       *bool    `json:"strict,omitempty"`
}

// FetchReply Fetch 响应
type FetchReply struct {
	Domain   string              `json:"domain"`
	Level    string              `json:"level,omitempty"`
	Stage    biz.Stage           `json:"stage"`
	Start    string              `json:"start"`
	End      string              `json:"end"`
	Branches []string            `json:"branches"`
	Executed int                 `json:"executed"`
	Stages   []*biz.StageReport  `json:"stages"`
	Failed   []biz.DateRange     `json:"failed"`
	Warnings []string            `json:"warnings,omitempty"`
	Columns  []string            `json:"columns"`
	Rows     []map[string]string `json:"rows"`
}

// LoadRequest Load / Plan 查询参数
type LoadRequest struct {
	Domain   string
	Level    string
	Stage    string
	Start    string
	End      string
	Branches []string
	Mode     string
}

// TableReply 表数据响应
type TableReply struct {
	Domain  string              `json:"domain"`
	Level   string              `json:"level,omitempty"`
	Stage   biz.Stage           `json:"stage"`
	Start   string              `json:"start"`
	End     string              `json:"end"`
	Columns []string            `json:"columns"`
	Rows    []map[string]string `json:"rows"`
}

// PlanReply 预演响应
type PlanReply struct {
	Domain string           `json:"domain"`
	Level  string           `json:"level,omitempty"`
	Stage  biz.Stage        `json:"stage"`
	Stages []*biz.StagePlan `json:"stages"`
}

// RunReply 异步运行状态
type RunReply struct {
	RunID       string          `json:"run_id"`
	Status      biz.RunStatus   `json:"status"`
	Domain      string          `json:"domain"`
	Level       string          `json:"level,omitempty"`
	Stage       biz.Stage       `json:"stage"`
	Start       string          `json:"start"`
	End         string          `json:"end"`
	Branches    []string        `json:"branches,omitempty"`
	Mode        biz.RunMode     `json:"mode"`
	Source      string          `json:"source"`
	Executed    int             `json:"executed"`
	Rows        int             `json:"rows"`
	Failed      []biz.DateRange `json:"failed,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ListRunsReply 运行列表
type ListRunsReply struct {
	Runs []*RunReply `json:"runs"`
}

// MetadataReply 元数据列表
type MetadataReply struct {
	Domain  string               `json:"domain"`
	Level   string               `json:"level,omitempty"`
	Stage   biz.Stage            `json:"stage"`
	Records []*biz.StageMetadata `json:"records"`
}

// BranchesReply 某日有效的分店编码
type BranchesReply struct {
	Date     string            `json:"date"`
	Branches map[string]string `json:"branches"`
}

// ToBiz 转换并校验请求，strict 未指定时使用配置默认值
func (r *FetchRequest) ToBiz(defaultStrict bool) (*biz.FetchRequest, error) {
	stage, err := biz.ParseStage(r.Stage)
	if err != nil {
		return nil, err
	}
	rng, err := biz.ParseDateRange(r.Start, r.End)
	if err != nil {
		return nil, err
	}
	mode, err := biz.ParseRunMode(r.Mode)
	if err != nil {
		return nil, err
	}
	req := &biz.FetchRequest{
		Domain:   r.Domain,
		Level:    r.Level,
		Stage:    stage,
		Range:    rng,
		Branches: r.Branches,
		Mode:     mode,
		Strict:   defaultStrict,
	}
	if r.UpstreamMode != "" {
		upstream, err := biz.ParseRunMode(r.UpstreamMode)
		if err != nil {
			return nil, err
		}
		req.UpstreamMode = &upstream
	}
	if r.Strict != nil {
		req.Strict = *r.Strict
	}
	return req, nil
}

// Fetch 同步执行
func (s *PipelineService) Fetch(ctx context.Context, req *FetchRequest) (*FetchReply, error) {
	in, err := req.ToBiz(s.pipeline.Config().Strict)
	if err != nil {
		return nil, toAPIError(err)
	}
	result, err := s.pipeline.Fetch(ctx, in)
	if err != nil {
		return nil, toAPIError(err)
	}
	return &FetchReply{
		Domain:   result.Domain,
		Level:    result.Level,
		Stage:    result.Stage,
		Start:    biz.FormatDate(result.Range.Start),
		End:      biz.FormatDate(result.Range.End),
		Branches: result.Branches,
		Executed: result.Executed(),
		Stages:   result.Stages,
		Failed:   result.Failed,
		Warnings: result.Warnings,
		Columns:  columnsOf(result.Table),
		Rows:     result.Table.Records(),
	}, nil
}

// SubmitRun 异步执行，立即返回 run_id
func (s *PipelineService) SubmitRun(ctx context.Context, req *FetchRequest) (*RunReply, error) {
	return s.submit(ctx, req, "http")
}

func (s *PipelineService) submit(ctx context.Context, req *FetchRequest, source string) (*RunReply, error) {
	in, err := req.ToBiz(s.pipeline.Config().Strict)
	if err != nil {
		return nil, toAPIError(err)
	}
	run, err := s.executor.Submit(ctx, in, source)
	if err != nil {
		return nil, toAPIError(err)
	}
	return newRunReply(run), nil
}

// GetRun 查询异步运行状态
func (s *PipelineService) GetRun(ctx context.Context, id string) (*RunReply, error) {
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return nil, toAPIError(err)
	}
	return newRunReply(run), nil
}

// ListRuns 列出异步运行
func (s *PipelineService) ListRuns(ctx context.Context, status string, limit int) (*ListRunsReply, error) {
	runs, err := s.runs.ListRuns(ctx, biz.RunStatus(status), limit)
	if err != nil {
		return nil, toAPIError(err)
	}
	reply := &ListRunsReply{Runs: make([]*RunReply, 0, len(runs))}
	for _, run := range runs {
		reply.Runs = append(reply.Runs, newRunReply(run))
	}
	return reply, nil
}

// CancelRun 取消正在执行的运行
func (s *PipelineService) CancelRun(ctx context.Context, id string) (*RunReply, error) {
	if err := s.executor.Cancel(ctx, id); err != nil {
		return nil, toAPIError(err)
	}
	return s.GetRun(ctx, id)
}

// Load 只读取已完成的数据
func (s *PipelineService) Load(ctx context.Context, req *LoadRequest) (*TableReply, error) {
	stage, rng, err := parseStageRange(req.Stage, req.Start, req.End)
	if err != nil {
		return nil, toAPIError(err)
	}
	table, err := s.pipeline.Load(ctx, &biz.FetchRequest{Domain: req.Domain, Level: req.Level, Stage: stage, Range: rng, Branches: req.Branches})
	if err != nil {
		return nil, toAPIError(err)
	}
	return &TableReply{
		Domain:  req.Domain,
		Level:   req.Level,
		Stage:   stage,
		Start:   biz.FormatDate(rng.Start),
		End:     biz.FormatDate(rng.End),
		Columns: columnsOf(table),
		Rows:    table.Records(),
	}, nil
}

// Plan 预演
func (s *PipelineService) Plan(ctx context.Context, req *LoadRequest) (*PlanReply, error) {
	in, err := (&FetchRequest{
		Domain:   req.Domain,
		Level:    req.Level,
		Stage:    req.Stage,
		Start:    req.Start,
		End:      req.End,
		Branches: req.Branches,
		Mode:     req.Mode,
	}).ToBiz(false)
	if err != nil {
		return nil, toAPIError(err)
	}
	plans, err := s.pipeline.PlanFetch(ctx, in)
	if err != nil {
		return nil, toAPIError(err)
	}
	return &PlanReply{Domain: in.Domain, Level: in.Level, Stage: in.Stage, Stages: plans}, nil
}

// Metadata 列出 domain/stage 的元数据记录，level 选择 mart 层级
func (s *PipelineService) Metadata(ctx context.Context, domain, stage, level string) (*MetadataReply, error) {
	st, err := biz.ParseStage(stage)
	if err != nil {
		return nil, toAPIError(err)
	}
	records, err := s.pipeline.Status(ctx, domain, st, level)
	if err != nil {
		return nil, toAPIError(err)
	}
	if records == nil {
		records = []*biz.StageMetadata{}
	}
	return &MetadataReply{Domain: domain, Level: level, Stage: st, Records: records}, nil
}

// Branches 返回某日有效的分店编码，date 为空时取今天（UTC）
func (s *PipelineService) Branches(ctx context.Context, date string) (*BranchesReply, error) {
	day := biz.Day(time.Now().UTC())
	if date != "" {
		d, err := biz.ParseDate(date)
		if err != nil {
			return nil, toAPIError(err)
		}
		day = d
	}
	return &BranchesReply{
		Date:     biz.FormatDate(day),
		Branches: s.pipeline.Registry().CodesForDate(day),
	}, nil
}

func parseStageRange(stage, start, end string) (biz.Stage, biz.DateRange, error) {
	st, err := biz.ParseStage(stage)
	if err != nil {
		return "", biz.DateRange{}, err
	}
	rng, err := biz.ParseDateRange(start, end)
	if err != nil {
		return "", biz.DateRange{}, err
	}
	return st, rng, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newRunReply(run *biz.Run) *RunReply {
	reply := &RunReply{
		RunID:       run.ID,
		Status:      run.Status,
		Source:      run.Source,
		Executed:    run.Executed,
		Rows:        run.Rows,
		Failed:      run.Failed,
		Warnings:    run.Warnings,
		Error:       run.ErrorMessage,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if req := run.Request; req != nil {
		reply.Domain = req.Domain
		reply.Level = req.Level
		reply.Stage = req.Stage
		reply.Start = biz.FormatDate(req.Range.Start)
		reply.End = biz.FormatDate(req.Range.End)
		reply.Branches = req.Branches
		reply.Mode = req.Mode
	}
	return reply
}

// toAPIError 把领域错误映射为带状态码的 kratos 错误
func toAPIError(err error) error {
	if err == nil {
		return nil
	}
	var (
		unknownBranch *biz.UnknownBranchError
		partial       *biz.PartialFailureError
		cfgErr        *biz.ConfigError
		kerr          *kerrors.Error
	)
	switch {
	case errors.As(err, &kerr):
		return err
	case errors.As(err, &unknownBranch):
		return kerrors.BadRequest(biz.ReasonUnknownBranch, unknownBranch.Error())
	case errors.As(err, &partial):
		keys := make([]string, 0, len(partial.Failed))
		for _, r := range partial.Failed {
			keys = append(keys, r.Key())
		}
		return kerrors.Conflict(biz.ReasonPartialFailure, partial.Error()).
			WithMetadata(map[string]string{"failed": strings.Join(keys, ",")})
	case errors.As(err, &cfgErr):
		return kerrors.InternalServer("CONFIG_ERROR", cfgErr.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return kerrors.GatewayTimeout("CANCELLED", err.Error())
	}
	return kerrors.InternalServer("INTERNAL", err.Error())
}

func columnsOf(t *biz.Table) []string {
	if t == nil {
		return []string{}
	}
	return append([]string{"date", "branch"}, t.Columns...)
}
