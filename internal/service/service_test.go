package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"posetl/internal/biz"
	"posetl/internal/conf"
	"posetl/internal/data"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/require"
)

// gateExtractor 可按开始日期失败，或阻塞到 ctx 取消
type gateExtractor struct {
	mu      sync.Mutex
	calls   int
	fail    map[string]bool
	block   bool
	started chan struct{}
}

func newGateExtractor() *gateExtractor {
	return &gateExtractor{fail: map[string]bool{}, started: make(chan struct{}, 64)}
}

func (e *gateExtractor) Download(ctx context.Context, req *biz.ExtractRequest) ([]string, error) {
	e.mu.Lock()
	e.calls++
	block := e.block
	fail := e.fail[biz.FormatDate(req.Range.Start)]
	e.mu.Unlock()

	if block {
		e.started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, fmt.Errorf("export %s rejected", req.Range.Key())
	}
	return []string{req.Branch + "_" + req.Range.Key() + ".json"}, nil
}

func (e *gateExtractor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type passStage struct{}

func (passStage) Clean(_ context.Context, _ *biz.StageRequest, raw *biz.Table) (*biz.Table, error) {
	return raw, nil
}

func (passStage) Aggregate(_ context.Context, _ *biz.StageRequest, core *biz.Table) (*biz.Table, error) {
	return core, nil
}

// dailyOutput 每个分店每天一行
type dailyOutput struct{}

func (dailyOutput) Load(_ context.Context, _ string, stage biz.Stage, r biz.DateRange, branches []string) (*biz.Table, error) {
	t := biz.NewTable("stage")
	for d := r.Start; !d.After(r.End); d = d.AddDate(0, 0, 1) {
		for _, b := range branches {
			t.Append(&biz.Row{Date: d, Branch: b, Values: map[string]string{"stage": string(stage)}})
		}
	}
	return t, nil
}

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := biz.ParseDate(s)
	require.NoError(t, err)
	return d
}

type testEnv struct {
	config    *biz.PipelineConfig
	pipeline  *biz.PipelineUsecase
	runs      *biz.RunUsecase
	executor  *RunExecutor
	svc       *PipelineService
	extractor *gateExtractor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := log.DefaultLogger
	reg, err := biz.NewBranchRegistry([]biz.BranchCodeWindow{
		{Branch: "Kavia", Code: "8777", ValidFrom: mustDate(t, "2023-04-30")},
		{Branch: "Punto Valle", Code: "6162", ValidFrom: mustDate(t, "2022-11-01")},
	})
	require.NoError(t, err)

	cfg := &biz.PipelineConfig{
		RawMaxDays: 10,
		Workers:    2,
		Domains:    map[string]biz.StageVersions{"sales": {Marts: map[string]string{"ticket": ""}}},
	}
	require.NoError(t, cfg.Validate())

	locker, err := data.NewPartitionLocker(&conf.Data{}, nil, logger)
	require.NoError(t, err)

	env := &testEnv{config: cfg, extractor: newGateExtractor()}
	env.pipeline = biz.NewPipelineUsecase(cfg, reg,
		data.NewFSMetadataRepo(t.TempDir(), logger),
		dailyOutput{}, env.extractor, passStage{}, passStage{},
		locker, data.NewEventPublisher(&conf.Data{}, nil, logger), logger)
	env.runs = biz.NewRunUsecase(data.NewRunRepo(logger), env.pipeline, logger)
	env.executor = NewRunExecutor(env.runs, logger)
	env.svc = NewPipelineService(env.pipeline, env.runs, env.executor, logger)

	require.NoError(t, env.executor.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.executor.Stop(ctx)
	})
	return env
}

func waitRun(t *testing.T, env *testEnv, id string) *biz.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.executor.Wait(ctx, id))
	run, err := env.runs.GetRun(ctx, id)
	require.NoError(t, err)
	return run
}
