package biz

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStageMetadataJSON(t *testing.T) {
	rec := &StageMetadata{
		StartDate: date("2024-01-01"),
		EndDate:   date("2024-06-28"),
		Branches:  []string{"Punto Valle", "Kavia", "Kavia"},
		Version:   "extract_v1",
		LastRun:   time.Date(2024, 7, 1, 10, 30, 0, 0, time.UTC),
		Status:    StatusOK,
	}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"start_date": "2024-01-01",
		"end_date": "2024-06-28",
		"branches": ["Kavia", "Punto Valle"],
		"version": "extract_v1",
		"last_run": "2024-07-01T10:30:00Z",
		"status": "ok"
	}`, string(b))

	var back StageMetadata
	require.NoError(t, json.Unmarshal(b, &back))
	require.Equal(t, rec.Range(), back.Range())
	require.Equal(t, []string{"Kavia", "Punto Valle"}, back.Branches)
	require.True(t, rec.LastRun.Equal(back.LastRun))
}

func TestStageMetadataJSONRejectsInvalid(t *testing.T) {
	tests := map[string]string{
		"unknown status": `{"start_date":"2024-01-01","end_date":"2024-01-02","status":"done"}`,
		"bad date":       `{"start_date":"2024-13-01","end_date":"2024-01-02","status":"ok"}`,
		"reversed range": `{"start_date":"2024-01-03","end_date":"2024-01-02","status":"ok"}`,
		"not an object":  `[1,2,3]`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			var rec StageMetadata
			require.Error(t, json.Unmarshal([]byte(body), &rec))
		})
	}
}

func TestSortMetadata(t *testing.T) {
	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	recs := []*StageMetadata{
		{StartDate: date("2024-02-01"), LastRun: t2},
		{StartDate: date("2024-03-01"), LastRun: t1},
		{StartDate: date("2024-01-01"), LastRun: t1},
	}
	SortMetadata(recs)
	require.Equal(t, date("2024-01-01"), recs[0].StartDate)
	require.Equal(t, date("2024-03-01"), recs[1].StartDate)
	require.Equal(t, date("2024-02-01"), recs[2].StartDate)
}

func TestStageChain(t *testing.T) {
	require.Equal(t, []Stage{StageRaw}, StageRaw.Chain())
	require.Equal(t, []Stage{StageRaw, StageCore, StageMart}, StageMart.Chain())
	require.Nil(t, Stage("gold").Chain())

	_, err := ParseStage("gold")
	require.ErrorIs(t, err, ErrInvalidArgument)

	mode, err := ParseRunMode("")
	require.NoError(t, err)
	require.Equal(t, ModeMissing, mode)
}

func TestPipelineConfigLevels(t *testing.T) {
	cfg := &PipelineConfig{
		RawMaxDays: 180,
		Workers:    1,
		Domains: map[string]StageVersions{
			"sales": {Marts: map[string]string{"ticket": "", "group": "aggregate_group_v2"}},
		},
	}
	require.NoError(t, cfg.Validate())

	v, err := cfg.LevelVersion("sales", StageMart, "")
	require.NoError(t, err)
	require.Equal(t, "aggregate_daily_v1", v)
	v, err = cfg.LevelVersion("sales", StageMart, "ticket")
	require.NoError(t, err)
	require.Equal(t, "aggregate_ticket_v1", v)
	v, err = cfg.LevelVersion("sales", StageCore, "group")
	require.NoError(t, err)
	require.Equal(t, "transform_v1", v)
	_, err = cfg.LevelVersion("sales", StageMart, "hourly")
	require.ErrorIs(t, err, ErrInvalidArgument)

	require.Equal(t, "sales", Dataset("sales", StageCore, "ticket"))
	require.Equal(t, "sales", Dataset("sales", StageMart, ""))
	require.Equal(t, "sales/ticket", Dataset("sales", StageMart, "ticket"))

	cfg.Domains["sales"] = StageVersions{Marts: map[string]string{"_meta": ""}}
	var cfgErr *ConfigError
	require.ErrorAs(t, cfg.Validate(), &cfgErr)
}
