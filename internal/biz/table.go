package biz

import (
	"encoding/json"
	"sort"
	"time"
)

// Row 一行阶段输出
type Row struct {
	Date   time.Time
	Branch string
	Values map[string]string
}

// Table 阶段输出表，Columns 为除 date、branch 外的列顺序
type Table struct {
	Columns []string
	Rows    []*Row
}

// NewTable 创建空表
func NewTable(columns ...string) *Table {
	return &Table{Columns: append([]string(nil), columns...)}
}

// Len 行数
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Append 追加行
func (t *Table) Append(rows ...*Row) {
	t.Rows = append(t.Rows, rows...)
}

// Concat 拼接另一张表，列取并集并保持出现顺序
func (t *Table) Concat(other *Table) {
	if other == nil {
		return
	}
	have := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		have[c] = struct{}{}
	}
	for _, c := range other.Columns {
		if _, ok := have[c]; !ok {
			t.Columns = append(t.Columns, c)
			have[c] = struct{}{}
		}
	}
	t.Rows = append(t.Rows, other.Rows...)
}

// Sort 按日期、分店稳定排序
func (t *Table) Sort() {
	sort.SliceStable(t.Rows, func(i, j int) bool {
		a, b := t.Rows[i], t.Rows[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		return a.Branch < b.Branch
	})
}

// Filter 返回落在范围内且属于给定分店的行，branches 为空时不过滤分店
func (t *Table) Filter(rng DateRange, branches []string) *Table {
	allowed := make(map[string]struct{}, len(branches))
	for _, b := range branches {
		allowed[b] = struct{}{}
	}
	out := NewTable(t.Columns...)
	for _, row := range t.Rows {
		if !rng.Contains(row.Date) {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[row.Branch]; !ok {
				continue
			}
		}
		out.Rows = append(out.Rows, row)
	}
	return out
}

// Records 转换为 map 列表，用于 JSON 输出
func (t *Table) Records() []map[string]string {
	out := make([]map[string]string, 0, t.Len())
	if t == nil {
		return out
	}
	for _, row := range t.Rows {
		rec := make(map[string]string, len(t.Columns)+2)
		rec["date"] = FormatDate(row.Date)
		rec["branch"] = row.Branch
		for _, c := range t.Columns {
			rec[c] = row.Values[c]
		}
		out = append(out, rec)
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (t *Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Columns []string            `json:"columns"`
		Rows    []map[string]string `json:"rows"`
	}{Columns: t.Columns, Rows: t.Records()})
}
