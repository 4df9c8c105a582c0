package biz

// Plan 计算需要处理的缺口范围
//
// force 模式返回整个请求范围；missing 模式返回请求范围中未被有效记录覆盖的部分。
// 有效记录：状态为 ok、版本一致、分店集合包含全部请求分店。
func Plan(requested DateRange, records []*StageMetadata, branches []string, version string, mode RunMode) ([]DateRange, error) {
	switch mode {
	case ModeForce:
		return []DateRange{requested}, nil
	case ModeMissing:
	default:
		return nil, invalidArgument("invalid mode %q, expected missing or force", mode)
	}

	var covered []DateRange
	for _, rec := range records {
		if rec == nil || rec.Status != StatusOK || rec.Version != version {
			continue
		}
		if !rec.CoversBranches(branches) {
			continue
		}
		covered = append(covered, rec.Range())
	}
	return SubtractRanges(requested, covered), nil
}
