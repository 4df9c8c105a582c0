package data

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"posetl/internal/biz"
	"posetl/internal/conf"

	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"
	"github.com/go-kratos/kratos/v2/log"
)

// DefaultExcludedBranches 默认排除的分店
var DefaultExcludedBranches = []string{"CEDIS"}

// branchEntry 分店配置文件中的一项
type branchEntry struct {
	Code      interface{} `json:"code"`
	ValidFrom string      `json:"valid_from"`
	ValidTo   *string     `json:"valid_to"`
}

// LoadBranchWindows 读取分店配置文件（json 或 yaml），键为 "<分店>[_后缀]"
func LoadBranchWindows(path string, excluded []string) ([]biz.BranchCodeWindow, error) {
	c := config.New(config.WithSource(file.NewSource(path)))
	defer c.Close()
	if err := c.Load(); err != nil {
		return nil, &biz.ConfigError{Msg: fmt.Sprintf("failed to load branch file %s: %v", path, err)}
	}
	entries := make(map[string]*branchEntry)
	if err := c.Scan(&entries); err != nil {
		return nil, &biz.ConfigError{Msg: fmt.Sprintf("failed to parse branch file %s: %v", path, err)}
	}
	return branchWindows(entries, excluded)
}

func branchWindows(entries map[string]*branchEntry, excluded []string) ([]biz.BranchCodeWindow, error) {
	if len(excluded) == 0 {
		excluded = DefaultExcludedBranches
	}
	skip := make(map[string]struct{}, len(excluded))
	for _, b := range excluded {
		skip[b] = struct{}{}
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var windows []biz.BranchCodeWindow
	for _, key := range keys {
		name := strings.SplitN(key, "_", 2)[0]
		if _, ok := skip[name]; ok {
			continue
		}
		e := entries[key]
		if e == nil {
			return nil, &biz.ConfigError{Msg: fmt.Sprintf("branch %q has no definition", key)}
		}
		code, err := codeString(e.Code)
		if err != nil {
			return nil, &biz.ConfigError{Msg: fmt.Sprintf("branch %q: %v", key, err)}
		}
		from, err := biz.ParseDate(e.ValidFrom)
		if err != nil {
			return nil, &biz.ConfigError{Msg: fmt.Sprintf("branch %q: invalid valid_from %q", key, e.ValidFrom)}
		}
		w := biz.BranchCodeWindow{Branch: name, Code: code, ValidFrom: from}
		if e.ValidTo != nil && *e.ValidTo != "" {
			to, err := biz.ParseDate(*e.ValidTo)
			if err != nil {
				return nil, &biz.ConfigError{Msg: fmt.Sprintf("branch %q: invalid valid_to %q", key, *e.ValidTo)}
			}
			w.ValidTo = &to
		}
		windows = append(windows, w)
	}
	return windows, nil
}

func codeString(v interface{}) (string, error) {
	switch c := v.(type) {
	case string:
		if c == "" {
			return "", fmt.Errorf("empty code")
		}
		return c, nil
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64), nil
	case json.Number:
		return c.String(), nil
	case int:
		return strconv.Itoa(c), nil
	case int64:
		return strconv.FormatInt(c, 10), nil
	case nil:
		return "", fmt.Errorf("missing code")
	}
	return "", fmt.Errorf("unsupported code %v", v)
}

// NewBranchRegistry 从配置文件构建分店注册表
func NewBranchRegistry(c *conf.Data, logger log.Logger) (*biz.BranchRegistry, error) {
	windows, err := LoadBranchWindows(c.BranchesFile, c.ExcludedBranches)
	if err != nil {
		return nil, err
	}
	registry, err := biz.NewBranchRegistry(windows)
	if err != nil {
		return nil, err
	}
	log.NewHelper(logger).Infof("Loaded %d branch code window(s) for %d branch(es) from %s",
		len(windows), len(registry.ListBranches()), c.BranchesFile)
	return registry, nil
}
