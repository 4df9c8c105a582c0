package data

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"posetl/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

// 原始层清单的列
const (
	RawColCode  = "code"
	RawColStart = "start"
	RawColEnd   = "end"
	RawColFile  = "file"
)

// FileOutputRepo 文件系统上的阶段输出
// raw:       <root>/a_raw/<domain>/<branch>/<code>/<start>_<end>/<file>
// core/mart: <root>/<layer>/<domain>/<start>_<end>.csv
type FileOutputRepo struct {
	root string
	log  *log.Helper
}

// NewFileOutputRepo 创建文件输出仓储
func NewFileOutputRepo(root string, logger log.Logger) *FileOutputRepo {
	return &FileOutputRepo{
		root: root,
		log:  log.NewHelper(logger),
	}
}

// RawDir 返回一次导出的目录
func (r *FileOutputRepo) RawDir(domain, branch, code string, rng biz.DateRange) string {
	return filepath.Join(r.root, biz.StageRaw.Layer(), domain, branch, code, rng.Key())
}

// TablePath 返回 core/mart 分区输出文件路径
func (r *FileOutputRepo) TablePath(domain string, stage biz.Stage, rng biz.DateRange) string {
	return filepath.Join(r.root, stage.Layer(), domain, rng.Key()+".csv")
}

// Save 原子写入 core/mart 分区输出
func (r *FileOutputRepo) Save(ctx context.Context, domain string, stage biz.Stage, rng biz.DateRange, t *biz.Table) error {
	if stage == biz.StageRaw || stage.Layer() == "" {
		return fmt.Errorf("cannot save table for stage %q", stage)
	}
	path := r.TablePath(domain, stage, rng)
	if err := writeTableFile(path, t); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	r.log.Debugf("Saved %d row(s) to %s", t.Len(), path)
	return nil
}

// Load 读取范围内的输出
func (r *FileOutputRepo) Load(ctx context.Context, domain string, stage biz.Stage, rng biz.DateRange, branches []string) (*biz.Table, error) {
	switch stage {
	case biz.StageRaw:
		return r.loadRaw(domain, rng, branches)
	case biz.StageCore, biz.StageMart:
		return r.loadTables(domain, stage, rng, branches)
	}
	return nil, fmt.Errorf("invalid stage %q", stage)
}

// loadRaw 扫描原始导出清单，每个文件一行，日期取导出范围与请求范围交集的起始日
func (r *FileOutputRepo) loadRaw(domain string, rng biz.DateRange, branches []string) (*biz.Table, error) {
	t := biz.NewTable(RawColCode, RawColStart, RawColEnd, RawColFile)
	base := filepath.Join(r.root, biz.StageRaw.Layer(), domain)

	if len(branches) == 0 {
		branches = listDirs(base)
	}
	for _, branch := range branches {
		branchDir := filepath.Join(base, branch)
		for _, code := range listDirs(branchDir) {
			codeDir := filepath.Join(branchDir, code)
			for _, key := range listDirs(codeDir) {
				chunk, err := biz.ParseRangeKey(key)
				if err != nil {
					continue
				}
				clipped, ok := chunk.Intersect(rng)
				if !ok {
					continue
				}
				entries, err := os.ReadDir(filepath.Join(codeDir, key))
				if err != nil {
					r.log.Warnf("Failed to list raw chunk %s: %v", filepath.Join(codeDir, key), err)
					continue
				}
				for _, e := range entries {
					if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
						continue
					}
					t.Append(&biz.Row{
						Date:   clipped.Start,
						Branch: branch,
						Values: map[string]string{
							RawColCode:  code,
							RawColStart: biz.FormatDate(chunk.Start),
							RawColEnd:   biz.FormatDate(chunk.End),
							RawColFile:  filepath.Join(codeDir, key, e.Name()),
						},
					})
				}
			}
		}
	}
	t.Sort()
	return t, nil
}

type tableFile struct {
	path    string
	rng     biz.DateRange
	modTime time.Time
}

// loadTables 读取与范围相交的 CSV，同一 (日期, 分店) 以较新的文件为准
func (r *FileOutputRepo) loadTables(domain string, stage biz.Stage, rng biz.DateRange, branches []string) (*biz.Table, error) {
	dir := filepath.Join(r.root, stage.Layer(), domain)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return biz.NewTable(), nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var files []tableFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".csv" {
			continue
		}
		fr, err := biz.ParseRangeKey(strings.TrimSuffix(name, ".csv"))
		if err != nil || !fr.Overlaps(rng) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, tableFile{path: filepath.Join(dir, name), rng: fr, modTime: info.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	type rowKey struct {
		date   time.Time
		branch string
	}
	merged := biz.NewTable()
	groups := make(map[rowKey][]*biz.Row)
	var order []rowKey
	for _, f := range files {
		t, err := readTableFile(f.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
		}
		part := t.Filter(rng, branches)
		merged.Concat(biz.NewTable(part.Columns...))

		fresh := make(map[rowKey][]*biz.Row)
		for _, row := range part.Rows {
			k := rowKey{date: row.Date, branch: row.Branch}
			fresh[k] = append(fresh[k], row)
		}
		for k, rows := range fresh {
			if _, ok := groups[k]; !ok {
				order = append(order, k)
			}
			groups[k] = rows
		}
	}
	for _, k := range order {
		merged.Append(groups[k]...)
	}
	merged.Sort()
	return merged, nil
}

func listDirs(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") && !strings.HasPrefix(e.Name(), "_") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out
}
