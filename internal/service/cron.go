package service

import (
	"context"
	"time"

	"posetl/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// cronParser 秒字段可选，兼容 5 段与 6 段表达式
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronService 定时任务服务
type CronService struct {
	cron     *cron.Cron
	config   *conf.Cron
	location *time.Location
	log      *log.Helper
}

// NewCronService 创建定时任务服务，未启用时 Start/Stop 为空操作
func NewCronService(c *conf.Cron, logger log.Logger) *CronService {
	helper := log.NewHelper(log.With(logger, "module", "service/cron"))
	if c == nil || !c.Enabled {
		return &CronService{config: c, location: time.UTC, log: helper}
	}

	// 设置时区
	location := time.UTC
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			helper.Warnf("Failed to load timezone %s, using UTC", c.Timezone)
		} else {
			location = loc
		}
	}

	return &CronService{
		cron: cron.New(
			cron.WithLocation(location),
			cron.WithParser(cronParser),
		),
		config:   c,
		location: location,
		log:      helper,
	}
}

// Enabled 是否启用
func (s *CronService) Enabled() bool {
	return s.cron != nil
}

// Location 定时任务使用的时区
func (s *CronService) Location() *time.Location {
	return s.location
}

// Start 启动定时任务服务
func (s *CronService) Start(ctx context.Context) error {
	if s.cron == nil {
		s.log.Info("Cron service is disabled")
		return nil
	}

	s.log.Info("Starting cron service")
	s.cron.Start()
	return nil
}

// Stop 停止定时任务服务，等待执行中的任务返回
func (s *CronService) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}

	s.log.Info("Stopping cron service")
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("Cron service stopped")
	return nil
}

// AddJob 添加定时任务
func (s *CronService) AddJob(spec string, cmd func()) (cron.EntryID, error) {
	if s.cron == nil {
		return 0, nil
	}
	return s.cron.AddFunc(spec, cmd)
}

// GetEntries 获取所有定时任务
func (s *CronService) GetEntries() []cron.Entry {
	if s.cron == nil {
		return nil
	}
	return s.cron.Entries()
}
