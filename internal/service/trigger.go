package service

import (
	"context"
	"encoding/json"
	"fmt"

	"posetl/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
)

// RunTriggerService 消费消息队列中的运行请求并提交给执行器
type RunTriggerService struct {
	source   biz.RunRequestSource
	executor *RunExecutor
	config   *biz.PipelineConfig
	log      *log.Helper
}

// NewRunTriggerService 创建消息触发服务
func NewRunTriggerService(source biz.RunRequestSource, executor *RunExecutor, cfg *biz.PipelineConfig, logger log.Logger) *RunTriggerService {
	return &RunTriggerService{
		source:   source,
		executor: executor,
		config:   cfg,
		log:      log.NewHelper(log.With(logger, "module", "service/trigger")),
	}
}

// Start 订阅运行请求
func (s *RunTriggerService) Start(ctx context.Context) error {
	return s.source.Subscribe(s.Handle)
}

// Stop 停止订阅
func (s *RunTriggerService) Stop(ctx context.Context) error {
	return s.source.Close()
}

// Handle 解析一条 JSON 运行请求并提交
func (s *RunTriggerService) Handle(ctx context.Context, body []byte) error {
	var req FetchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("invalid run request: %w", err)
	}
	in, err := req.ToBiz(s.config.Strict)
	if err != nil {
		return err
	}
	run, err := s.executor.Submit(ctx, in, "rocketmq")
	if err != nil {
		return err
	}
	s.log.Infof("Submitted run %s for %s/%s %s", run.ID, in.Domain, in.Stage, in.Range.Key())
	return nil
}
