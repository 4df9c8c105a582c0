package service

import (
	"context"
	"testing"
	"time"

	"posetl/internal/biz"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/stretchr/testify/require"
)

func salesRequest(t *testing.T, stage biz.Stage, start, end string) *biz.FetchRequest {
	t.Helper()
	rng, err := biz.ParseDateRange(start, end)
	require.NoError(t, err)
	return &biz.FetchRequest{Domain: "sales", Stage: stage, Range: rng}
}

func waitStarted(t *testing.T, e *gateExtractor) {
	t.Helper()
	select {
	case <-e.started:
	case <-time.After(5 * time.Second):
		t.Fatal("extractor was not called")
	}
}

func TestRunExecutorSubmit(t *testing.T) {
	env := newTestEnv(t)

	run, err := env.executor.Submit(context.Background(), salesRequest(t, biz.StageMart, "2024-01-01", "2024-01-05"), "test")
	require.NoError(t, err)
	require.Equal(t, biz.RunStatusPending, run.Status)

	done := waitRun(t, env, run.ID)
	require.Equal(t, biz.RunStatusCompleted, done.Status)
	require.Equal(t, 3, done.Executed)
	require.Equal(t, 10, done.Rows)
	require.Empty(t, env.executor.Running())

	reply, err := env.svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, "2024-01-01", reply.Start)
	require.Equal(t, biz.StageMart, reply.Stage)
	require.Equal(t, "test", reply.Source)

	list, err := env.svc.ListRuns(context.Background(), string(biz.RunStatusCompleted), 10)
	require.NoError(t, err)
	require.Len(t, list.Runs, 1)
}

func TestRunExecutorSubmitRejectsInvalidRequest(t *testing.T) {
	env := newTestEnv(t)

	req := salesRequest(t, biz.StageRaw, "2024-01-01", "2024-01-05")
	req.Domain = "inventory"
	_, err := env.executor.Submit(context.Background(), req, "test")
	require.Error(t, err)

	list, err := env.svc.ListRuns(context.Background(), "", 0)
	require.NoError(t, err)
	require.Empty(t, list.Runs)
}

func TestRunExecutorCancelRunning(t *testing.T) {
	env := newTestEnv(t)
	env.extractor.block = true

	run, err := env.executor.Submit(context.Background(), salesRequest(t, biz.StageMart, "2024-01-01", "2024-01-05"), "test")
	require.NoError(t, err)
	waitStarted(t, env.extractor)
	require.Equal(t, []string{run.ID}, env.executor.Running())

	reply, err := env.svc.CancelRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, run.ID, reply.RunID)

	done := waitRun(t, env, run.ID)
	require.Equal(t, biz.RunStatusCancelled, done.Status)
	require.NotNil(t, done.CompletedAt)

	// 已结束的运行不能再取消
	_, err = env.svc.CancelRun(context.Background(), run.ID)
	require.Equal(t, 409, kerrors.Code(err))

	_, err = env.svc.CancelRun(context.Background(), "missing")
	require.Equal(t, 404, kerrors.Code(err))
}

func TestRunExecutorStop(t *testing.T) {
	env := newTestEnv(t)
	env.extractor.block = true

	run, err := env.executor.Submit(context.Background(), salesRequest(t, biz.StageRaw, "2024-01-01", "2024-01-05"), "test")
	require.NoError(t, err)
	waitStarted(t, env.extractor)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.executor.Stop(ctx))

	stored, err := env.runs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, biz.RunStatusCancelled, stored.Status)

	_, err = env.executor.Submit(ctx, salesRequest(t, biz.StageRaw, "2024-01-01", "2024-01-05"), "test")
	require.Equal(t, 503, kerrors.Code(err))
}
