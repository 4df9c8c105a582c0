package biz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// RunStatus 异步运行状态
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"   // 等待中
	RunStatusRunning   RunStatus = "running"   // 运行中
	RunStatusCompleted RunStatus = "completed" // 完成
	RunStatusPartial   RunStatus = "partial"   // 部分分区失败
	RunStatusFailed    RunStatus = "failed"    // 失败
	RunStatusCancelled RunStatus = "cancelled" // 已取消
)

// Finished 是否为终态
func (s RunStatus) Finished() bool {
	switch s {
	case RunStatusCompleted, RunStatusPartial, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Run 一次异步 Fetch
type Run struct {
	ID           string        `json:"run_id"`
	Request      *FetchRequest `json:"-"`
	Status       RunStatus     `json:"status"`
	Executed     int           `json:"executed"`
	Rows         int           `json:"rows"`
	Failed       []DateRange   `json:"failed,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Source       string        `json:"source"`
	CreatedAt    time.Time     `json:"created_at"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// Clone 浅拷贝，切片复制
func (r *Run) Clone() *Run {
	c := *r
	c.Failed = append([]DateRange(nil), r.Failed...)
	c.Warnings = append([]string(nil), r.Warnings...)
	return &c
}

// RunRepo 运行记录仓储接口
type RunRepo interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, status RunStatus, limit int) ([]*Run, error)
}

// RunUsecase 异步运行用例
type RunUsecase struct {
	repo     RunRepo
	pipeline *PipelineUsecase
	fsm      *RunFSMManager
	log      *log.Helper
}

// NewRunUsecase 创建异步运行用例
func NewRunUsecase(repo RunRepo, pipeline *PipelineUsecase, logger log.Logger) *RunUsecase {
	return &RunUsecase{
		repo:     repo,
		pipeline: pipeline,
		fsm:      NewRunFSMManager(logger),
		log:      log.NewHelper(logger),
	}
}

// CreateRun 校验请求并创建 pending 状态的运行记录
func (uc *RunUsecase) CreateRun(ctx context.Context, req *FetchRequest, source string) (*Run, error) {
	if _, err := uc.pipeline.prepare(req); err != nil {
		return nil, err
	}
	run := &Run{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    RunStatusPending,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	if err := uc.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	uc.log.Infof("Run %s created from %s: %s/%s %s", run.ID, source, req.Domain, req.Stage, req.Range.Key())
	return run.Clone(), nil
}

// GetRun 获取运行记录
func (uc *RunUsecase) GetRun(ctx context.Context, id string) (*Run, error) {
	return uc.repo.GetRun(ctx, id)
}

// ListRuns 列出运行记录
func (uc *RunUsecase) ListRuns(ctx context.Context, status RunStatus, limit int) ([]*Run, error) {
	return uc.repo.ListRuns(ctx, status, limit)
}

// ExecuteRun 执行一次运行：pending -> running -> completed|partial|failed|cancelled
func (uc *RunUsecase) ExecuteRun(ctx context.Context, id string) (*Run, error) {
	run, err := uc.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := uc.transition(ctx, run, RunEventStart); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	run.StartedAt = &now
	if err := uc.repo.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	result, fetchErr := uc.pipeline.Fetch(ctx, run.Request)
	return uc.finish(context.WithoutCancel(ctx), run, result, fetchErr)
}

// CancelRun 取消尚未开始的运行
func (uc *RunUsecase) CancelRun(ctx context.Context, id string, reason string) (*Run, error) {
	run, err := uc.repo.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := uc.transition(ctx, run, RunEventCancel); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.ErrorMessage = reason
	if err := uc.repo.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (uc *RunUsecase) finish(ctx context.Context, run *Run, result *FetchResult, fetchErr error) (*Run, error) {
	var (
		event RunEvent
		perr  *PartialFailureError
	)
	switch {
	case fetchErr == nil && len(result.Failed) == 0:
		event = RunEventComplete
	case fetchErr == nil:
		event = RunEventPartial
	case errors.As(fetchErr, &perr):
		event = RunEventPartial
		result = perr.Result
		run.ErrorMessage = perr.Error()
	case errors.Is(fetchErr, context.Canceled):
		event = RunEventCancel
		run.ErrorMessage = fetchErr.Error()
	default:
		event = RunEventFail
		run.ErrorMessage = fetchErr.Error()
	}
	if result != nil {
		run.Executed = result.Executed()
		run.Rows = result.Table.Len()
		run.Failed = result.Failed
		run.Warnings = result.Warnings
	}

	if err := uc.transition(ctx, run, event); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := uc.repo.UpdateRun(ctx, run); err != nil {
		return nil, err
	}
	uc.log.Infof("Run %s finished with status %s: %d partition(s) executed, %d row(s)", run.ID, run.Status, run.Executed, run.Rows)
	return run, nil
}

func (uc *RunUsecase) transition(ctx context.Context, run *Run, event RunEvent) error {
	machine := uc.fsm.CreateFSM(run)
	if err := machine.Event(ctx, string(event)); err != nil {
		return fmt.Errorf("run %s: cannot %s from %s: %w", run.ID, event, run.Status, err)
	}
	run.Status = RunStatus(machine.Current())
	return nil
}
