package service

import (
	"context"
	"sort"
	"sync"

	"posetl/internal/biz"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

const reasonExecutorStopped = "EXECUTOR_STOPPED"

// runRunner 单个运行的执行上下文
type runRunner struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

// RunExecutor 异步运行执行器，实现 transport.Server 以便随应用停止
type RunExecutor struct {
	runs    *biz.RunUsecase
	log     *log.Helper
	mu      sync.Mutex
	running map[string]*runRunner
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRunExecutor 创建执行器
func NewRunExecutor(runs *biz.RunUsecase, logger log.Logger) *RunExecutor {
	ctx, cancel := context.WithCancel(context.Background())
	return &RunExecutor{
		runs:    runs,
		log:     log.NewHelper(log.With(logger, "module", "service/executor")),
		running: make(map[string]*runRunner),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动执行器
func (e *RunExecutor) Start(ctx context.Context) error {
	e.log.Info("Starting run executor")
	return nil
}

// Stop 取消所有正在执行的运行并等待其结束
func (e *RunExecutor) Stop(ctx context.Context) error {
	e.log.Info("Stopping run executor")
	e.cancel()

	e.mu.Lock()
	runners := make([]*runRunner, 0, len(e.running))
	for _, r := range e.running {
		runners = append(runners, r)
	}
	e.mu.Unlock()

	for _, r := range runners {
		select {
		case <-r.done:
		case <-ctx.Done():
			e.log.Warnf("Run %s did not stop before shutdown deadline", r.id)
			return ctx.Err()
		}
	}
	return nil
}

// Submit 创建运行记录并在后台执行
func (e *RunExecutor) Submit(ctx context.Context, req *biz.FetchRequest, source string) (*biz.Run, error) {
	if e.ctx.Err() != nil {
		return nil, errors.ServiceUnavailable(reasonExecutorStopped, "run executor is stopped")
	}
	run, err := e.runs.CreateRun(ctx, req, source)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(e.ctx)
	runner := &runRunner{id: run.ID, cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	e.running[run.ID] = runner
	e.mu.Unlock()

	go e.execute(runCtx, runner)
	return run, nil
}

func (e *RunExecutor) execute(ctx context.Context, runner *runRunner) {
	defer func() {
		runner.cancel()
		e.mu.Lock()
		delete(e.running, runner.id)
		e.mu.Unlock()
		close(runner.done)
	}()

	e.log.Infof("Starting run %s", runner.id)
	if _, err := e.runs.ExecuteRun(ctx, runner.id); err != nil {
		e.log.Errorf("Run %s failed to execute: %v", runner.id, err)
	}
}

// Cancel 取消运行中的运行；未在执行的 pending 运行直接置为 cancelled
func (e *RunExecutor) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	runner, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		e.log.Infof("Cancelling run %s", id)
		runner.cancel()
		return nil
	}
	run, err := e.runs.GetRun(ctx, id)
	if err != nil {
		return err
	}
	if run.Status.Finished() {
		return errors.Conflict(biz.ReasonInvalidArgument, "run "+id+" already finished with status "+string(run.Status))
	}
	_, err = e.runs.CancelRun(ctx, id, "cancelled before start")
	return err
}

// Wait 等待运行结束，运行不在执行中时立即返回
func (e *RunExecutor) Wait(ctx context.Context, id string) error {
	e.mu.Lock()
	runner, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-runner.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running 返回正在执行的运行 ID
func (e *RunExecutor) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
