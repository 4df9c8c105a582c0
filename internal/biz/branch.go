package biz

import (
	"sort"
	"time"
)

// BranchCodeWindow 分店编码有效期窗口，ValidTo 为空表示仍然有效
type BranchCodeWindow struct {
	Branch    string
	Code      string
	ValidFrom time.Time
	ValidTo   *time.Time
}

// Contains 判断日期是否在窗口内
func (w BranchCodeWindow) Contains(t time.Time) bool {
	d := Day(t)
	if d.Before(w.ValidFrom) {
		return false
	}
	return w.ValidTo == nil || !d.After(*w.ValidTo)
}

func (w BranchCodeWindow) String() string {
	to := "open"
	if w.ValidTo != nil {
		to = FormatDate(*w.ValidTo)
	}
	return w.Branch + "/" + w.Code + " [" + FormatDate(w.ValidFrom) + ", " + to + "]"
}

// clip 返回窗口与范围的交集
func (w BranchCodeWindow) clip(rng DateRange) (DateRange, bool) {
	end := rng.End
	if w.ValidTo != nil {
		end = *w.ValidTo
	}
	if end.Before(w.ValidFrom) {
		return DateRange{}, false
	}
	return rng.Intersect(DateRange{Start: w.ValidFrom, End: end})
}

// CodeSegment 某一编码覆盖的连续子范围
type CodeSegment struct {
	Code  string
	Range DateRange
}

// BranchRegistry 分店编码注册表，启动时加载后只读
type BranchRegistry struct {
	windows map[string][]BranchCodeWindow
}

// NewBranchRegistry 创建注册表并校验窗口
func NewBranchRegistry(windows []BranchCodeWindow) (*BranchRegistry, error) {
	byBranch := make(map[string][]BranchCodeWindow)
	for _, w := range windows {
		if w.Branch == "" {
			return nil, configErrorf("branch window with code %q has no branch name", w.Code)
		}
		if w.Code == "" {
			return nil, configErrorf("branch %q has a window without code", w.Branch)
		}
		w.ValidFrom = Day(w.ValidFrom)
		if w.ValidTo != nil {
			to := Day(*w.ValidTo)
			w.ValidTo = &to
			if to.Before(w.ValidFrom) {
				return nil, configErrorf("window %s ends before it starts", w)
			}
		}
		byBranch[w.Branch] = append(byBranch[w.Branch], w)
	}

	for branch, ws := range byBranch {
		sort.SliceStable(ws, func(i, j int) bool { return ws[i].ValidFrom.Before(ws[j].ValidFrom) })

		open := 0
		for _, w := range ws {
			if w.ValidTo == nil {
				open++
			}
		}
		if open > 1 {
			return nil, configErrorf("branch %q has %d open-ended windows", branch, open)
		}

		for i := 0; i+1 < len(ws); i++ {
			cur, next := ws[i], ws[i+1]
			if cur.ValidTo == nil {
				return nil, configErrorf("open-ended window %s is not the latest for branch %q, overlaps %s", cur, branch, next)
			}
			if !next.ValidFrom.After(*cur.ValidTo) {
				return nil, configErrorf("overlapping windows %s and %s", cur, next)
			}
		}
		byBranch[branch] = ws
	}

	return &BranchRegistry{windows: byBranch}, nil
}

// GetCodeForDate 返回分店在指定日期的有效编码
func (r *BranchRegistry) GetCodeForDate(branch string, t time.Time) (string, error) {
	ws, ok := r.windows[branch]
	if !ok {
		return "", &UnknownBranchError{Branch: branch}
	}
	for _, w := range ws {
		if w.Contains(t) {
			return w.Code, nil
		}
	}
	return "", &UnknownBranchCodeError{Branch: branch, Date: Day(t)}
}

// ListBranches 返回全部分店名称（已排序）
func (r *BranchRegistry) ListBranches() []string {
	out := make([]string, 0, len(r.windows))
	for b := range r.windows {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// CodesForDate 返回指定日期所有有效的分店编码
func (r *BranchRegistry) CodesForDate(t time.Time) map[string]string {
	out := make(map[string]string)
	for branch, ws := range r.windows {
		for _, w := range ws {
			if w.Contains(t) {
				out[branch] = w.Code
				break
			}
		}
	}
	return out
}

// Segments 将范围按窗口边界切分为 (编码, 子范围)，不在任何窗口内的日期被跳过
func (r *BranchRegistry) Segments(branch string, rng DateRange) ([]CodeSegment, error) {
	ws, ok := r.windows[branch]
	if !ok {
		return nil, &UnknownBranchError{Branch: branch}
	}
	var out []CodeSegment
	for _, w := range ws {
		if sub, ok := w.clip(rng); ok {
			out = append(out, CodeSegment{Code: w.Code, Range: sub})
		}
	}
	return out, nil
}

// ResolveBranches 校验并规范化请求的分店，为空时返回全部分店
func (r *BranchRegistry) ResolveBranches(branches []string) ([]string, error) {
	if len(branches) == 0 {
		return r.ListBranches(), nil
	}
	for _, b := range branches {
		if _, ok := r.windows[b]; !ok {
			return nil, &UnknownBranchError{Branch: b}
		}
	}
	return NormalizeBranches(branches), nil
}
