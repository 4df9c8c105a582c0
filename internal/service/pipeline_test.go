package service

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"posetl/internal/biz"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/stretchr/testify/require"
)

func TestFetchRequestToBiz(t *testing.T) {
	strict := false
	req := &FetchRequest{
		Domain:       "sales",
		Stage:        "mart",
		Start:        "2024-01-01",
		End:          "2024-01-31",
		Branches:     []string{"Kavia"},
		Mode:         "force",
		UpstreamMode: "missing",
	}

	in, err := req.ToBiz(true)
	require.NoError(t, err)
	require.Equal(t, "sales", in.Domain)
	require.Equal(t, biz.StageMart, in.Stage)
	require.Equal(t, "2024-01-01_2024-01-31", in.Range.Key())
	require.Equal(t, biz.ModeForce, in.Mode)
	require.NotNil(t, in.UpstreamMode)
	require.Equal(t, biz.ModeMissing, *in.UpstreamMode)
	require.True(t, in.Strict)

	req.Strict = &strict
	in, err = req.ToBiz(true)
	require.NoError(t, err)
	require.False(t, in.Strict)

	for _, bad := range []*FetchRequest{
		{Domain: "sales", Stage: "gold", Start: "2024-01-01", End: "2024-01-02"},
		{Domain: "sales", Stage: "raw", Start: "2024-01-05", End: "2024-01-02"},
		{Domain: "sales", Stage: "raw", Start: "01/01/2024", End: "2024-01-02"},
		{Domain: "sales", Stage: "raw", Start: "2024-01-01", End: "2024-01-02", Mode: "replace"},
		{Domain: "sales", Stage: "raw", Start: "2024-01-01", End: "2024-01-02", UpstreamMode: "all"},
	} {
		_, err := bad.ToBiz(false)
		require.Error(t, err, "%+v", bad)
		require.Equal(t, 400, kerrors.Code(toAPIError(err)), "%+v", bad)
	}
}

func TestToAPIError(t *testing.T) {
	require.NoError(t, toAPIError(nil))

	err := toAPIError(&biz.UnknownBranchError{Branch: "Nowhere"})
	require.Equal(t, 400, kerrors.Code(err))
	require.Equal(t, biz.ReasonUnknownBranch, kerrors.Reason(err))

	partial := &biz.PartialFailureError{
		Domain: "sales",
		Stage:  biz.StageRaw,
		Failed: []biz.DateRange{{Start: mustDate(t, "2024-01-01"), End: mustDate(t, "2024-01-10")}},
	}
	err = toAPIError(fmt.Errorf("fetch: %w", partial))
	require.Equal(t, 409, kerrors.Code(err))
	require.Equal(t, biz.ReasonPartialFailure, kerrors.Reason(err))
	require.Equal(t, "2024-01-01_2024-01-10", kerrors.FromError(err).Metadata["failed"])

	err = toAPIError(&biz.ConfigError{Msg: "bad"})
	require.Equal(t, 500, kerrors.Code(err))
	require.Equal(t, "CONFIG_ERROR", kerrors.Reason(err))

	err = toAPIError(fmt.Errorf("interrupted: %w", context.Canceled))
	require.Equal(t, 504, kerrors.Code(err))

	err = toAPIError(biz.NewRunNotFound("x"))
	require.Equal(t, 404, kerrors.Code(err))
	require.True(t, biz.IsRunNotFound(err))

	err = toAPIError(errors.New("disk full"))
	require.Equal(t, 500, kerrors.Code(err))
	require.Equal(t, "INTERNAL", kerrors.Reason(err))
}

func TestPipelineServiceFetchAndLoad(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Load(ctx, &LoadRequest{Domain: "sales", Stage: "mart", Start: "2024-01-01", End: "2024-01-05"})
	require.Equal(t, 404, kerrors.Code(err))

	plan, err := env.svc.Plan(ctx, &LoadRequest{Domain: "sales", Stage: "mart", Start: "2024-01-01", End: "2024-01-05"})
	require.NoError(t, err)
	require.Len(t, plan.Stages, 3)
	require.Zero(t, env.extractor.count())

	reply, err := env.svc.Fetch(ctx, &FetchRequest{Domain: "sales", Stage: "mart", Start: "2024-01-01", End: "2024-01-05"})
	require.NoError(t, err)
	require.Equal(t, []string{"Kavia", "Punto Valle"}, reply.Branches)
	require.Equal(t, 3, reply.Executed)
	require.Empty(t, reply.Failed)
	require.Equal(t, []string{"date", "branch", "stage"}, reply.Columns)
	require.Len(t, reply.Rows, 10)
	require.Equal(t, 2, env.extractor.count())

	table, err := env.svc.Load(ctx, &LoadRequest{Domain: "sales", Stage: "mart", Start: "2024-01-02", End: "2024-01-03", Branches: []string{"Kavia"}})
	require.NoError(t, err)
	require.Len(t, table.Rows, 2)
	require.Equal(t, "Kavia", table.Rows[0]["branch"])

	meta, err := env.svc.Metadata(ctx, "sales", "raw", "")
	require.NoError(t, err)
	require.Len(t, meta.Records, 1)
	require.Equal(t, biz.StatusOK, meta.Records[0].Status)

	_, err = env.svc.Metadata(ctx, "sales", "bronze", "")
	require.Equal(t, 400, kerrors.Code(err))
}

func TestPipelineServiceMartLevel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reply, err := env.svc.Fetch(ctx, &FetchRequest{Domain: "sales", Level: "ticket", Stage: "mart", Start: "2024-01-01", End: "2024-01-05"})
	require.NoError(t, err)
	require.Equal(t, "ticket", reply.Level)
	require.Equal(t, "aggregate_ticket_v1", reply.Stages[2].Version)

	// 默认 mart 复用已有的 raw/core，只补 mart
	reply, err = env.svc.Fetch(ctx, &FetchRequest{Domain: "sales", Stage: "mart", Start: "2024-01-01", End: "2024-01-05"})
	require.NoError(t, err)
	require.Equal(t, 1, reply.Executed)

	meta, err := env.svc.Metadata(ctx, "sales", "mart", "ticket")
	require.NoError(t, err)
	require.Len(t, meta.Records, 1)
	require.Equal(t, "aggregate_ticket_v1", meta.Records[0].Version)

	table, err := env.svc.Load(ctx, &LoadRequest{Domain: "sales", Level: "ticket", Stage: "mart", Start: "2024-01-01", End: "2024-01-05"})
	require.NoError(t, err)
	require.Equal(t, "ticket", table.Level)

	_, err = env.svc.Fetch(ctx, &FetchRequest{Domain: "sales", Level: "hourly", Stage: "mart", Start: "2024-01-01", End: "2024-01-05"})
	require.Equal(t, 400, kerrors.Code(err))
}

func TestPipelineServiceFetchPartial(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.extractor.fail["2024-01-01"] = true

	reply, err := env.svc.Fetch(ctx, &FetchRequest{Domain: "sales", Stage: "raw", Start: "2024-01-01", End: "2024-01-15"})
	require.NoError(t, err)
	require.Len(t, reply.Failed, 1)
	require.NotEmpty(t, reply.Warnings)

	strict := true
	_, err = env.svc.Fetch(ctx, &FetchRequest{Domain: "sales", Stage: "raw", Start: "2024-01-01", End: "2024-01-15", Strict: &strict})
	require.Equal(t, 409, kerrors.Code(err))

	_, err = env.svc.Fetch(ctx, &FetchRequest{Domain: "sales", Stage: "raw", Start: "2024-01-01", End: "2024-01-15", Branches: []string{"Nowhere"}})
	require.Equal(t, 400, kerrors.Code(err))
	require.Equal(t, biz.ReasonUnknownBranch, kerrors.Reason(err))
}

func TestPipelineServiceBranches(t *testing.T) {
	env := newTestEnv(t)

	reply, err := env.svc.Branches(context.Background(), "2023-01-15")
	require.NoError(t, err)
	require.Equal(t, "2023-01-15", reply.Date)
	require.Equal(t, map[string]string{"Punto Valle": "6162"}, reply.Branches)

	reply, err = env.svc.Branches(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, reply.Branches, 2)

	_, err = env.svc.Branches(context.Background(), "yesterday")
	require.Equal(t, 400, kerrors.Code(err))
}

func TestSplitList(t *testing.T) {
	require.Nil(t, splitList(""))
	require.Equal(t, []string{"Kavia", "Punto Valle"}, splitList("Kavia, Punto Valle,,"))
}
