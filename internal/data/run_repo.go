package data

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"posetl/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

// maxRetainedRuns 内存中保留的运行记录上限，超出时淘汰最早完成的记录
const maxRetainedRuns = 1000

// runRepo 运行记录仓储实现（内存版本，进程重启后丢失）
type runRepo struct {
	runs map[string]*biz.Run
	mu   sync.RWMutex
	log  *log.Helper
}

// NewRunRepo 创建运行记录仓储
func NewRunRepo(logger log.Logger) biz.RunRepo {
	return &runRepo{
		runs: make(map[string]*biz.Run),
		log:  log.NewHelper(logger),
	}
}

// CreateRun 创建运行记录
func (r *runRepo) CreateRun(ctx context.Context, run *biz.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	r.runs[run.ID] = run.Clone()
	r.evictLocked()
	return nil
}

// UpdateRun 更新运行记录
func (r *runRepo) UpdateRun(ctx context.Context, run *biz.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runs[run.ID]; !exists {
		return biz.NewRunNotFound(run.ID)
	}
	r.runs[run.ID] = run.Clone()
	return nil
}

// GetRun 获取运行记录副本
func (r *runRepo) GetRun(ctx context.Context, id string) (*biz.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, exists := r.runs[id]
	if !exists {
		return nil, biz.NewRunNotFound(id)
	}
	return run.Clone(), nil
}

// ListRuns 按创建时间倒序列出运行记录
func (r *runRepo) ListRuns(ctx context.Context, status biz.RunStatus, limit int) ([]*biz.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runs := make([]*biz.Run, 0, len(r.runs))
	for _, run := range r.runs {
		if status != "" && run.Status != status {
			continue
		}
		runs = append(runs, run.Clone())
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (r *runRepo) evictLocked() {
	if len(r.runs) <= maxRetainedRuns {
		return
	}
	var finished []*biz.Run
	for _, run := range r.runs {
		if run.Status.Finished() {
			finished = append(finished, run)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].CreatedAt.Before(finished[j].CreatedAt) })
	for _, run := range finished {
		if len(r.runs) <= maxRetainedRuns {
			break
		}
		delete(r.runs, run.ID)
		r.log.Debugf("Evicted run %s", run.ID)
	}
}
