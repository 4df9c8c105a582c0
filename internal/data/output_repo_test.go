package data

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"posetl/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/require"
)

func row(date, branch string, kv ...string) *biz.Row {
	r := &biz.Row{Date: biz.MustDateRange(date, date).Start, Branch: branch, Values: map[string]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		r.Values[kv[i]] = kv[i+1]
	}
	return r
}

func TestTableCSVRoundTrip(t *testing.T) {
	table := biz.NewTable("ticket", "total")
	table.Append(
		row("2024-01-01", "Kavia", "ticket", "A-1", "total", "10.50"),
		row("2024-01-01", "Punto Valle", "ticket", "B,2", "total", ""),
	)

	var buf bytes.Buffer
	require.NoError(t, writeTableCSV(&buf, table))
	require.Equal(t, "date,branch,ticket,total\n2024-01-01,Kavia,A-1,10.50\n2024-01-01,Punto Valle,\"B,2\",\n", buf.String())

	back, err := readTableCSV(&buf)
	require.NoError(t, err)
	require.Equal(t, table.Columns, back.Columns)
	require.Equal(t, table.Records(), back.Records())
}

func TestReadTableCSVErrors(t *testing.T) {
	empty, err := readTableCSV(bytes.NewBufferString(""))
	require.NoError(t, err)
	require.Zero(t, empty.Len())

	_, err = readTableCSV(bytes.NewBufferString("day,branch\n"))
	require.Error(t, err)

	_, err = readTableCSV(bytes.NewBufferString("date,branch,total\n01/02/2024,Kavia,1\n"))
	require.Error(t, err)

	_, err = readTableCSV(bytes.NewBufferString("date,branch,total\n2024-01-02,Kavia\n"))
	require.Error(t, err)
}

func TestFileOutputRepoSaveLoad(t *testing.T) {
	root := t.TempDir()
	repo := NewFileOutputRepo(root, log.DefaultLogger)
	ctx := context.Background()

	jan := biz.NewTable("total")
	jan.Append(
		row("2024-01-30", "Kavia", "total", "1"),
		row("2024-01-31", "Kavia", "total", "2"),
		row("2024-01-31", "QIN", "total", "3"),
	)
	require.NoError(t, repo.Save(ctx, "sales", biz.StageMart, biz.MustDateRange("2024-01-01", "2024-01-31"), jan))
	require.FileExists(t, filepath.Join(root, "c_processed", "sales", "2024-01-01_2024-01-31.csv"))

	feb := biz.NewTable("total")
	feb.Append(row("2024-02-01", "Kavia", "total", "4"))
	require.NoError(t, repo.Save(ctx, "sales", biz.StageMart, biz.MustDateRange("2024-02-01", "2024-02-29"), feb))

	got, err := repo.Load(ctx, "sales", biz.StageMart, biz.MustDateRange("2024-01-31", "2024-02-01"), []string{"Kavia"})
	require.NoError(t, err)
	require.Equal(t, []map[string]string{
		{"date": "2024-01-31", "branch": "Kavia", "total": "2"},
		{"date": "2024-02-01", "branch": "Kavia", "total": "4"},
	}, got.Records())

	require.Error(t, repo.Save(ctx, "sales", biz.StageRaw, biz.MustDateRange("2024-01-01", "2024-01-31"), jan))

	empty, err := repo.Load(ctx, "payments", biz.StageCore, biz.MustDateRange("2024-01-01", "2024-01-31"), nil)
	require.NoError(t, err)
	require.Zero(t, empty.Len())
}

func TestFileOutputRepoNewerFileWins(t *testing.T) {
	root := t.TempDir()
	repo := NewFileOutputRepo(root, log.DefaultLogger)
	ctx := context.Background()

	wide := biz.NewTable("total")
	wide.Append(
		row("2024-01-01", "Kavia", "total", "old"),
		row("2024-01-02", "Kavia", "total", "old"),
	)
	wideRange := biz.MustDateRange("2024-01-01", "2024-01-31")
	require.NoError(t, repo.Save(ctx, "sales", biz.StageCore, wideRange, wide))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(repo.TablePath("sales", biz.StageCore, wideRange), past, past))

	rerun := biz.NewTable("total")
	rerun.Append(
		row("2024-01-02", "Kavia", "total", "new-a"),
		row("2024-01-02", "Kavia", "total", "new-b"),
	)
	require.NoError(t, repo.Save(ctx, "sales", biz.StageCore, biz.MustDateRange("2024-01-02", "2024-01-02"), rerun))

	got, err := repo.Load(ctx, "sales", biz.StageCore, wideRange, nil)
	require.NoError(t, err)
	require.Equal(t, []map[string]string{
		{"date": "2024-01-01", "branch": "Kavia", "total": "old"},
		{"date": "2024-01-02", "branch": "Kavia", "total": "new-a"},
		{"date": "2024-01-02", "branch": "Kavia", "total": "new-b"},
	}, got.Records())
}

func TestFileOutputRepoRawInventory(t *testing.T) {
	root := t.TempDir()
	repo := NewFileOutputRepo(root, log.DefaultLogger)
	chunk := biz.MustDateRange("2024-01-01", "2024-01-31")

	dir := repo.RawDir("sales", "Kavia", "8777", chunk)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Detail_kavia_2024-01-01_2024-01-31.xlsx"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-1"), []byte("x"), 0o644))
	other := repo.RawDir("sales", "QIN", "7470", biz.MustDateRange("2024-03-01", "2024-03-31"))
	require.NoError(t, os.MkdirAll(other, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(other, "Detail_qin.xlsx"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a_raw", "sales", "_meta"), 0o755))

	got, err := repo.Load(context.Background(), "sales", biz.StageRaw, biz.MustDateRange("2024-01-15", "2024-02-15"), nil)
	require.NoError(t, err)
	require.Equal(t, []map[string]string{{
		"date":   "2024-01-15",
		"branch": "Kavia",
		"code":   "8777",
		"start":  "2024-01-01",
		"end":    "2024-01-31",
		"file":   filepath.Join(dir, "Detail_kavia_2024-01-01_2024-01-31.xlsx"),
	}}, got.Records())
}
