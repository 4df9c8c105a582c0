package data

import (
	"context"
	"fmt"

	"posetl/internal/biz"
	"posetl/internal/conf"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/go-kratos/kratos/v2/log"
)

// mqRunRequestSource 从 RocketMQ 订阅运行请求
type mqRunRequestSource struct {
	consumer rocketmq.PushConsumer
	topic    string
	started  bool
	log      *log.Helper
}

type noopRunRequestSource struct{}

func (noopRunRequestSource) Subscribe(handle func(ctx context.Context, body []byte) error) error {
	return nil
}

func (noopRunRequestSource) Close() error { return nil }

// NewRunRequestSource 创建运行请求来源，未配置 request_topic 时返回空实现
func NewRunRequestSource(c *conf.Data, pc rocketmq.PushConsumer, logger log.Logger) biz.RunRequestSource {
	if pc == nil || c.Rocketmq == nil || c.Rocketmq.RequestTopic == "" {
		return noopRunRequestSource{}
	}
	return &mqRunRequestSource{
		consumer: pc,
		topic:    c.Rocketmq.RequestTopic,
		log:      log.NewHelper(log.With(logger, "module", "data/subscriber")),
	}
}

// Subscribe 注册处理函数并启动消费者；处理失败的消息记录日志后确认
func (s *mqRunRequestSource) Subscribe(handle func(ctx context.Context, body []byte) error) error {
	err := s.consumer.Subscribe(s.topic, consumer.MessageSelector{}, func(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
		for _, msg := range msgs {
			if err := handle(ctx, msg.Body); err != nil {
				s.log.Errorf("Dropping run request %s from %s: %v", msg.MsgId, s.topic, err)
				continue
			}
			s.log.Infof("Accepted run request %s from %s", msg.MsgId, s.topic)
		}
		return consumer.ConsumeSuccess, nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", s.topic, err)
	}
	if err := s.consumer.Start(); err != nil {
		return fmt.Errorf("failed to start rocketmq consumer: %w", err)
	}
	s.started = true
	s.log.Infof("Consuming run requests from %s", s.topic)
	return nil
}

// Close 停止消费
func (s *mqRunRequestSource) Close() error {
	if !s.started {
		return nil
	}
	s.started = false
	return s.consumer.Shutdown()
}
