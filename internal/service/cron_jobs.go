package service

import (
	"context"
	"fmt"
	"time"

	"posetl/internal/biz"
	"posetl/internal/conf"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

const reasonCronJobNotFound = "CRON_JOB_NOT_FOUND"

// CronJobManager 定时流水线任务管理器
type CronJobManager struct {
	cronService *CronService
	executor    *RunExecutor
	config      *biz.PipelineConfig
	jobs        []*cronJob
	log         *log.Helper
	now         func() time.Time
}

type cronJob struct {
	id  cron.EntryID
	def *conf.CronJob
}

// CronJobStatus 定时任务状态
type CronJobStatus struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Domain  string    `json:"domain"`
	Level   string    `json:"level,omitempty"`
	Stage   string    `json:"stage"`
	NextRun time.Time `json:"next_run"`
	PrevRun time.Time `json:"prev_run"`
}

// NewCronJobManager 校验并注册配置中的定时任务
func NewCronJobManager(cs *CronService, c *conf.Cron, executor *RunExecutor, cfg *biz.PipelineConfig, logger log.Logger) (*CronJobManager, error) {
	m := &CronJobManager{
		cronService: cs,
		executor:    executor,
		config:      cfg,
		log:         log.NewHelper(log.With(logger, "module", "service/cron_jobs")),
		now:         time.Now,
	}
	if c == nil {
		return m, nil
	}
	for _, def := range c.Jobs {
		if err := m.validate(def); err != nil {
			return nil, err
		}
		// 调度未启用时仍保留任务定义，可通过 Trigger 手动执行
		def := def
		id, err := cs.AddJob(def.Spec, func() { m.runJob(def) })
		if err != nil {
			return nil, &biz.ConfigError{Msg: fmt.Sprintf("cron job %s: %v", def.Name, err)}
		}
		m.jobs = append(m.jobs, &cronJob{id: id, def: def})
		if cs.Enabled() {
			m.log.Infof("Registered cron job %s (%s): %s/%s", def.Name, def.Spec, def.Domain, def.Stage)
		}
	}
	return m, nil
}

func (m *CronJobManager) validate(def *conf.CronJob) error {
	if def.Name == "" {
		return &biz.ConfigError{Msg: "cron job name is required"}
	}
	if _, err := cronParser.Parse(def.Spec); err != nil {
		return &biz.ConfigError{Msg: fmt.Sprintf("cron job %s: invalid spec %q: %v", def.Name, def.Spec, err)}
	}
	if def.LookbackDays < 0 {
		return &biz.ConfigError{Msg: fmt.Sprintf("cron job %s: lookback_days must not be negative", def.Name)}
	}
	in, err := m.request(def, time.Now()).ToBiz(false)
	if err == nil {
		_, err = m.config.LevelVersion(in.Domain, in.Stage, in.Level)
	}
	if err != nil {
		return &biz.ConfigError{Msg: fmt.Sprintf("cron job %s: %v", def.Name, err)}
	}
	return nil
}

// JobRange 以 now 所在时区的日期为准，返回 [今天-lookback, 昨天]
func JobRange(now time.Time, loc *time.Location, lookbackDays int) biz.DateRange {
	if lookbackDays <= 0 {
		lookbackDays = 1
	}
	y, mo, d := now.In(loc).Date()
	today := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	return biz.DateRange{
		Start: today.AddDate(0, 0, -lookbackDays),
		End:   today.AddDate(0, 0, -1),
	}
}

func (m *CronJobManager) request(def *conf.CronJob, now time.Time) *FetchRequest {
	rng := JobRange(now, m.cronService.Location(), int(def.LookbackDays))
	return &FetchRequest{
		Domain:   def.Domain,
		Level:    def.Level,
		Stage:    def.Stage,
		Start:    biz.FormatDate(rng.Start),
		End:      biz.FormatDate(rng.End),
		Branches: def.Branches,
		Mode:     def.Mode,
	}
}

func (m *CronJobManager) submit(ctx context.Context, def *conf.CronJob) (*biz.Run, error) {
	req, err := m.request(def, m.now()).ToBiz(m.config.Strict)
	if err != nil {
		return nil, err
	}
	return m.executor.Submit(ctx, req, "cron:"+def.Name)
}

func (m *CronJobManager) runJob(def *conf.CronJob) {
	run, err := m.submit(context.Background(), def)
	if err != nil {
		m.log.Errorf("Cron job %s failed to submit: %v", def.Name, err)
		return
	}
	m.log.Infof("Cron job %s submitted run %s", def.Name, run.ID)
}

// Trigger 立即执行指定的定时任务
func (m *CronJobManager) Trigger(ctx context.Context, name string) (*biz.Run, error) {
	for _, job := range m.jobs {
		if job.def.Name == name {
			return m.submit(ctx, job.def)
		}
	}
	return nil, errors.NotFound(reasonCronJobNotFound, "cron job "+name+" not found")
}

// GetJobStatus 获取定时任务状态
func (m *CronJobManager) GetJobStatus() []*CronJobStatus {
	entries := make(map[cron.EntryID]cron.Entry)
	for _, e := range m.cronService.GetEntries() {
		entries[e.ID] = e
	}
	status := make([]*CronJobStatus, 0, len(m.jobs))
	for _, job := range m.jobs {
		s := &CronJobStatus{
			Name:   job.def.Name,
			Spec:   job.def.Spec,
			Domain: job.def.Domain,
			Level:  job.def.Level,
			Stage:  job.def.Stage,
		}
		if e, ok := entries[job.id]; ok {
			s.NextRun = e.Next
			s.PrevRun = e.Prev
		}
		status = append(status, s)
	}
	return status
}
