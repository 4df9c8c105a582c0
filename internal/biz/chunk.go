package biz

// DefaultRawMaxDays raw 阶段单次导出的最大天数
const DefaultRawMaxDays = 180

// Chunk 将范围切分为连续、升序、每段不超过 maxDays 天的子范围
func Chunk(rng DateRange, maxDays int) ([]DateRange, error) {
	if maxDays < 1 {
		return nil, configErrorf("chunk size must be at least 1 day, got %d", maxDays)
	}
	if rng.End.Before(rng.Start) {
		return nil, invalidArgument("invalid range %s", rng)
	}
	if rng.Days() <= maxDays {
		return []DateRange{rng}, nil
	}
	var out []DateRange
	for cur := rng.Start; !cur.After(rng.End); {
		end := cur.AddDate(0, 0, maxDays-1)
		if end.After(rng.End) {
			end = rng.End
		}
		out = append(out, DateRange{Start: cur, End: end})
		cur = end.Add(day)
	}
	return out, nil
}
