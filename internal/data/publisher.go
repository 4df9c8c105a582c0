package data

import (
	"context"
	"encoding/json"
	"fmt"

	"posetl/internal/biz"
	"posetl/internal/conf"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/go-kratos/kratos/v2/log"
)

// messageSender rocketmq.Producer 中发布事件用到的部分
type messageSender interface {
	SendSync(ctx context.Context, mq ...*primitive.Message) (*primitive.SendResult, error)
}

// mqEventPublisher 通过 RocketMQ 发布阶段完成事件
type mqEventPublisher struct {
	sender messageSender
	topic  string
	log    *log.Helper
}

type noopEventPublisher struct{}

func (noopEventPublisher) PublishStageEvent(ctx context.Context, evt *biz.StageEvent) error {
	return nil
}

// NewEventPublisher 创建事件发布器，未配置 RocketMQ 或 topic 时返回空实现
func NewEventPublisher(c *conf.Data, producer rocketmq.Producer, logger log.Logger) biz.EventPublisher {
	if producer == nil || c.Rocketmq == nil || c.Rocketmq.Topic == "" {
		return noopEventPublisher{}
	}
	return newMQEventPublisher(producer, c.Rocketmq.Topic, logger)
}

func newMQEventPublisher(sender messageSender, topic string, logger log.Logger) *mqEventPublisher {
	return &mqEventPublisher{
		sender: sender,
		topic:  topic,
		log:    log.NewHelper(log.With(logger, "module", "data/publisher")),
	}
}

// PublishStageEvent 同步发送，tag 为阶段，key 为 domain
func (p *mqEventPublisher) PublishStageEvent(ctx context.Context, evt *biz.StageEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode stage event: %w", err)
	}
	msg := primitive.NewMessage(p.topic, body).
		WithTag(string(evt.Stage)).
		WithKeys([]string{evt.Domain})

	res, err := p.sender.SendSync(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send stage event to %s: %w", p.topic, err)
	}
	p.log.Infof("Published stage event %s/%s %s_%s to %s, msgID=%s", evt.Domain, evt.Stage, evt.Start, evt.End, p.topic, res.MsgID)
	return nil
}
