package data

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"posetl/internal/biz"
	"posetl/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

// 聚合输出中的行数列
const ColRowCount = "rows"

// CommandStage 执行 core/mart 阶段：配置了命令时调用外部命令，否则使用内置实现
// 命令参数支持占位符 {domain} {level} {start} {end} {input} {output}
type CommandStage struct {
	out      *FileOutputRepo
	commands map[string]*conf.Domain
	log      *log.Helper
}

// NewCommandStage 创建阶段执行器
func NewCommandStage(c *conf.Pipeline, out *FileOutputRepo, logger log.Logger) *CommandStage {
	commands := make(map[string]*conf.Domain)
	if c != nil {
		for name, d := range c.Domains {
			if d != nil {
				commands[name] = d
			}
		}
	}
	return &CommandStage{
		out:      out,
		commands: commands,
		log:      log.NewHelper(logger),
	}
}

// Clean raw -> core
func (s *CommandStage) Clean(ctx context.Context, req *biz.StageRequest, raw *biz.Table) (*biz.Table, error) {
	var argv []string
	if d := s.commands[req.Domain]; d != nil {
		argv = d.TransformCmd
	}
	return s.run(ctx, req, raw, argv, passThrough)
}

// Aggregate core -> mart，层级使用各自的命令和分组列
func (s *CommandStage) Aggregate(ctx context.Context, req *biz.StageRequest, core *biz.Table) (*biz.Table, error) {
	d := s.commands[req.Domain]
	if req.Level == "" {
		var argv []string
		if d != nil {
			argv = d.AggregateCmd
		}
		return s.run(ctx, req, core, argv, AggregateDaily)
	}
	var m *conf.Mart
	if d != nil {
		m = d.Marts[req.Level]
	}
	if m == nil {
		return nil, fmt.Errorf("mart level %q is not configured for %s", req.Level, req.Domain)
	}
	return s.run(ctx, req, core, m.AggregateCmd, func(in *biz.Table) *biz.Table {
		return AggregateBy(in, m.GroupBy)
	})
}

func (s *CommandStage) run(ctx context.Context, req *biz.StageRequest, input *biz.Table, argv []string, builtin func(*biz.Table) *biz.Table) (*biz.Table, error) {
	if input == nil {
		input = biz.NewTable()
	}
	var (
		result *biz.Table
		err    error
	)
	if len(argv) == 0 {
		result = builtin(input)
	} else {
		result, err = s.exec(ctx, req, input, argv)
		if err != nil {
			return nil, err
		}
	}
	result = result.Filter(req.Range, req.Branches)
	result.Sort()
	if err := s.out.Save(ctx, req.Dataset(), req.Stage, req.Range, result); err != nil {
		return nil, err
	}
	return result, nil
}

// exec 把输入写成 CSV，执行命令并读回输出 CSV
func (s *CommandStage) exec(ctx context.Context, req *biz.StageRequest, input *biz.Table, argv []string) (*biz.Table, error) {
	layerDir := filepath.Dir(s.out.TablePath(req.Dataset(), req.Stage, req.Range))
	if err := os.MkdirAll(layerDir, 0o755); err != nil {
		return nil, err
	}
	workDir, err := os.MkdirTemp(layerDir, ".work-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	inPath := filepath.Join(workDir, "input.csv")
	outPath := filepath.Join(workDir, "output.csv")
	if err := writeTableFile(inPath, input); err != nil {
		return nil, fmt.Errorf("failed to write stage input: %w", err)
	}

	args := expandArgs(argv, map[string]string{
		"{domain}": req.Domain,
		"{level}":  req.Level,
		"{start}":  biz.FormatDate(req.Range.Start),
		"{end}":    biz.FormatDate(req.Range.End),
		"{input}":  inPath,
		"{output}": outPath,
	})

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	started := time.Now()
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s command %q failed: %w: %s", req.Stage, args[0], err, truncate(stderr.String(), 512))
	}
	s.log.Infof("%s command for %s %s finished in %s", req.Stage, req.Dataset(), req.Range.Key(), time.Since(started).Round(time.Millisecond))

	t, err := readTableFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s command output: %w", req.Stage, err)
	}
	return t, nil
}

func expandArgs(argv []string, vars map[string]string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		for k, v := range vars {
			a = strings.ReplaceAll(a, k, v)
		}
		out[i] = a
	}
	return out
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func passThrough(in *biz.Table) *biz.Table {
	out := biz.NewTable(in.Columns...)
	out.Append(in.Rows...)
	return out
}

// keyColumns 原始清单的标识列，即使是数字也不参与求和
var keyColumns = map[string]bool{
	ColRowCount: true,
	RawColCode:  true,
	RawColStart: true,
	RawColEnd:   true,
	RawColFile:  true,
}

// AggregateDaily 按 (日期, 分店) 聚合：rows 为行数，数值列求和，标识列和非数值列丢弃
func AggregateDaily(in *biz.Table) *biz.Table {
	return AggregateBy(in, nil)
}

// AggregateBy 按 (日期, 分店, groupBy...) 聚合，分组列原样保留，其余规则同 AggregateDaily
func AggregateBy(in *biz.Table, groupBy []string) *biz.Table {
	grouped := make(map[string]bool, len(groupBy))
	for _, c := range groupBy {
		grouped[c] = true
	}
	numeric := make(map[string]bool, len(in.Columns))
	for _, c := range in.Columns {
		numeric[c] = !keyColumns[c] && !grouped[c]
	}
	for _, row := range in.Rows {
		for _, c := range in.Columns {
			v := row.Values[c]
			if v == "" || !numeric[c] {
				continue
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				numeric[c] = false
			}
		}
	}
	var sums []string
	for _, c := range in.Columns {
		if numeric[c] {
			sums = append(sums, c)
		}
	}

	type key struct {
		date   time.Time
		branch string
		group  string
	}
	type acc struct {
		values map[string]string
		count  int
		sums   map[string]float64
	}
	groups := make(map[key]*acc)
	var keys []key
	for _, row := range in.Rows {
		parts := make([]string, len(groupBy))
		for i, c := range groupBy {
			parts[i] = row.Values[c]
		}
		k := key{date: row.Date, branch: row.Branch, group: strings.Join(parts, "\x1f")}
		a, ok := groups[k]
		if !ok {
			a = &acc{values: make(map[string]string, len(groupBy)), sums: make(map[string]float64, len(sums))}
			for i, c := range groupBy {
				a.values[c] = parts[i]
			}
			groups[k] = a
			keys = append(keys, k)
		}
		a.count++
		for _, c := range sums {
			v, _ := strconv.ParseFloat(row.Values[c], 64)
			a.sums[c] += v
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].date.Equal(keys[j].date) {
			return keys[i].date.Before(keys[j].date)
		}
		if keys[i].branch != keys[j].branch {
			return keys[i].branch < keys[j].branch
		}
		return keys[i].group < keys[j].group
	})

	cols := append(append(append([]string(nil), groupBy...), ColRowCount), sums...)
	out := biz.NewTable(cols...)
	for _, k := range keys {
		a := groups[k]
		values := a.values
		values[ColRowCount] = strconv.Itoa(a.count)
		for _, c := range sums {
			values[c] = strconv.FormatFloat(a.sums[c], 'f', -1, 64)
		}
		out.Append(&biz.Row{Date: k.date, Branch: k.branch, Values: values})
	}
	return out
}
