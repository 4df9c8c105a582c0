package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"posetl/internal/biz"
	"posetl/internal/conf"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/require"
)

func TestJobRange(t *testing.T) {
	mx, err := time.LoadLocation("America/Mexico_City")
	require.NoError(t, err)

	// 02:00 UTC 在墨西哥城仍是前一天
	now := time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC)
	require.Equal(t, "2024-03-08_2024-03-08", JobRange(now, mx, 1).Key())
	require.Equal(t, "2024-03-09_2024-03-09", JobRange(now, time.UTC, 0).Key())
	require.Equal(t, "2024-03-03_2024-03-09", JobRange(now, time.UTC, 7).Key())
}

func TestCronJobManagerValidate(t *testing.T) {
	env := newTestEnv(t)
	cs := NewCronService(&conf.Cron{}, log.DefaultLogger)

	for _, job := range []*conf.CronJob{
		{Spec: "0 3 * * *", Domain: "sales", Stage: "mart"},
		{Name: "bad-spec", Spec: "every night", Domain: "sales", Stage: "mart"},
		{Name: "bad-stage", Spec: "0 3 * * *", Domain: "sales", Stage: "gold"},
		{Name: "bad-lookback", Spec: "0 3 * * *", Domain: "sales", Stage: "mart", LookbackDays: -1},
		{Name: "bad-level", Spec: "0 3 * * *", Domain: "sales", Level: "hourly", Stage: "mart"},
		{Name: "bad-domain", Spec: "0 3 * * *", Domain: "inventory", Stage: "mart"},
	} {
		_, err := NewCronJobManager(cs, &conf.Cron{Jobs: []*conf.CronJob{job}}, env.executor, env.config, log.DefaultLogger)
		var cfgErr *biz.ConfigError
		require.True(t, errors.As(err, &cfgErr), job.Name)
	}

	// 秒字段可选
	m, err := NewCronJobManager(cs, &conf.Cron{Jobs: []*conf.CronJob{
		{Name: "five", Spec: "0 3 * * *", Domain: "sales", Stage: "mart"},
		{Name: "six", Spec: "30 0 3 * * *", Domain: "sales", Stage: "raw"},
		{Name: "descriptor", Spec: "@daily", Domain: "sales", Stage: "core"},
		{Name: "tickets", Spec: "0 4 * * *", Domain: "sales", Level: "ticket", Stage: "mart"},
	}}, env.executor, env.config, log.DefaultLogger)
	require.NoError(t, err)
	status := m.GetJobStatus()
	require.Len(t, status, 4)
	require.Equal(t, "ticket", status[3].Level)
}

func TestCronJobManagerTrigger(t *testing.T) {
	env := newTestEnv(t)
	cs := NewCronService(&conf.Cron{}, log.DefaultLogger)
	m, err := NewCronJobManager(cs, &conf.Cron{Jobs: []*conf.CronJob{
		{Name: "nightly-sales", Spec: "0 3 * * *", Domain: "sales", Stage: "mart", LookbackDays: 3, Branches: []string{"Kavia"}},
	}}, env.executor, env.config, log.DefaultLogger)
	require.NoError(t, err)
	m.now = func() time.Time { return time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC) }

	run, err := m.Trigger(context.Background(), "nightly-sales")
	require.NoError(t, err)
	require.Equal(t, "cron:nightly-sales", run.Source)
	require.Equal(t, "2024-01-07_2024-01-09", run.Request.Range.Key())
	require.Equal(t, []string{"Kavia"}, run.Request.Branches)

	done := waitRun(t, env, run.ID)
	require.Equal(t, biz.RunStatusCompleted, done.Status)
	require.Equal(t, 3, done.Rows)

	_, err = m.Trigger(context.Background(), "missing")
	require.Equal(t, 404, kerrors.Code(err))
}

func TestCronServiceSchedules(t *testing.T) {
	cs := NewCronService(&conf.Cron{Enabled: true, Timezone: "America/Mexico_City"}, log.DefaultLogger)
	require.True(t, cs.Enabled())
	require.Equal(t, "America/Mexico_City", cs.Location().String())

	fired := make(chan struct{}, 1)
	_, err := cs.AddJob("* * * * * *", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	require.Len(t, cs.GetEntries(), 1)

	require.NoError(t, cs.Start(context.Background()))
	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("cron job did not fire")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, cs.Stop(ctx))
}

func TestCronServiceDisabled(t *testing.T) {
	cs := NewCronService(nil, log.DefaultLogger)
	require.False(t, cs.Enabled())
	require.Equal(t, time.UTC, cs.Location())
	id, err := cs.AddJob("0 3 * * *", func() {})
	require.NoError(t, err)
	require.Zero(t, id)
	require.Nil(t, cs.GetEntries())
	require.NoError(t, cs.Start(context.Background()))
	require.NoError(t, cs.Stop(context.Background()))
}
