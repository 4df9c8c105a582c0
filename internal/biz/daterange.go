package biz

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout 日期格式（YYYY-MM-DD）
const DateLayout = "2006-01-02"

const day = 24 * time.Hour

// ParseDate 解析 YYYY-MM-DD 格式的日期，结果为 UTC 零点
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, invalidArgument("invalid date %q, expected YYYY-MM-DD", s)
	}
	return t, nil
}

// Day 截断到 UTC 日期
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// FormatDate 格式化日期
func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// DateRange 闭区间日期范围 [Start, End]
type DateRange struct {
	Start time.Time
	End   time.Time
}

// NewDateRange 创建日期范围
func NewDateRange(start, end time.Time) (DateRange, error) {
	r := DateRange{Start: Day(start), End: Day(end)}
	if r.End.Before(r.Start) {
		return DateRange{}, invalidArgument("end date %s is before start date %s", FormatDate(r.End), FormatDate(r.Start))
	}
	return r, nil
}

// ParseDateRange 从字符串解析日期范围
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := ParseDate(start)
	if err != nil {
		return DateRange{}, err
	}
	e, err := ParseDate(end)
	if err != nil {
		return DateRange{}, err
	}
	return NewDateRange(s, e)
}

// MustDateRange 解析日期范围，失败时 panic（用于常量和测试）
func MustDateRange(start, end string) DateRange {
	r, err := ParseDateRange(start, end)
	if err != nil {
		panic(err)
	}
	return r
}

// Days 返回包含的天数（含首尾）
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start)/day) + 1
}

// Contains 判断日期是否在范围内
func (r DateRange) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(r.Start) && !d.After(r.End)
}

// Covers 判断 o 是否完全落在 r 内
func (r DateRange) Covers(o DateRange) bool {
	return !o.Start.Before(r.Start) && !o.End.After(r.End)
}

// Overlaps 判断两个范围是否有交集
func (r DateRange) Overlaps(o DateRange) bool {
	return !r.Start.After(o.End) && !o.Start.After(r.End)
}

// Intersect 返回交集
func (r DateRange) Intersect(o DateRange) (DateRange, bool) {
	if !r.Overlaps(o) {
		return DateRange{}, false
	}
	out := r
	if o.Start.After(out.Start) {
		out.Start = o.Start
	}
	if o.End.Before(out.End) {
		out.End = o.End
	}
	return out, true
}

// Key 返回 "<start>_<end>" 形式的键，用作元数据文件名
func (r DateRange) Key() string {
	return FormatDate(r.Start) + "_" + FormatDate(r.End)
}

func (r DateRange) String() string {
	return "[" + FormatDate(r.Start) + ", " + FormatDate(r.End) + "]"
}

type dateRangeJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// MarshalJSON implements json.Marshaler.
func (r DateRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(dateRangeJSON{Start: FormatDate(r.Start), End: FormatDate(r.End)})
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *DateRange) UnmarshalJSON(b []byte) error {
	var raw dateRangeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseDateRange(raw.Start, raw.End)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRangeKey 解析 "<start>_<end>" 形式的键
func ParseRangeKey(key string) (DateRange, error) {
	start, end, ok := strings.Cut(key, "_")
	if !ok {
		return DateRange{}, fmt.Errorf("malformed range key %q", key)
	}
	return ParseDateRange(start, end)
}

// MergeRanges 合并重叠或相邻的范围，返回按开始日期排序的结果
func MergeRanges(ranges []DateRange) []DateRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]DateRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	merged := []DateRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		// 重叠或首尾相接
		if !r.Start.After(last.End.Add(day)) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// SubtractRanges 返回 target 中未被 covered 覆盖的最大连续子范围
func SubtractRanges(target DateRange, covered []DateRange) []DateRange {
	var gaps []DateRange
	cur := target.Start
	for _, c := range MergeRanges(covered) {
		if c.End.Before(cur) {
			continue
		}
		if c.Start.After(target.End) {
			break
		}
		if c.Start.After(cur) {
			gaps = append(gaps, DateRange{Start: cur, End: c.Start.Add(-day)})
		}
		cur = c.End.Add(day)
		if cur.After(target.End) {
			return gaps
		}
	}
	if !cur.After(target.End) {
		gaps = append(gaps, DateRange{Start: cur, End: target.End})
	}
	return gaps
}

// IntersectRanges 返回 target 与各范围的交集（已合并）
func IntersectRanges(target DateRange, ranges []DateRange) []DateRange {
	var out []DateRange
	for _, r := range MergeRanges(ranges) {
		if in, ok := target.Intersect(r); ok {
			out = append(out, in)
		}
	}
	return out
}
