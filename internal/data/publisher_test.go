package data

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"posetl/internal/biz"
	"posetl/internal/conf"

	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	msgs []*primitive.Message
	err  error
}

func (s *fakeSender) SendSync(ctx context.Context, mq ...*primitive.Message) (*primitive.SendResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.msgs = append(s.msgs, mq...)
	return &primitive.SendResult{MsgID: "msg-1"}, nil
}

func TestMQEventPublisher(t *testing.T) {
	sender := &fakeSender{}
	p := newMQEventPublisher(sender, "posetl_stage_events", log.DefaultLogger)

	evt := &biz.StageEvent{
		Domain:     "sales",
		Stage:      biz.StageMart,
		Start:      "2024-01-01",
		End:        "2024-01-31",
		Branches:   []string{"Kavia"},
		Executed:   2,
		FinishedAt: time.Date(2024, 2, 1, 3, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.PublishStageEvent(context.Background(), evt))
	require.Len(t, sender.msgs, 1)

	msg := sender.msgs[0]
	require.Equal(t, "posetl_stage_events", msg.Topic)
	require.Equal(t, "mart", msg.GetTags())
	require.Equal(t, "sales", msg.GetKeys())

	var got biz.StageEvent
	require.NoError(t, json.Unmarshal(msg.Body, &got))
	require.Equal(t, evt.Domain, got.Domain)
	require.Equal(t, evt.Executed, got.Executed)
	require.True(t, evt.FinishedAt.Equal(got.FinishedAt))

	sender.err = errors.New("broker down")
	require.ErrorContains(t, p.PublishStageEvent(context.Background(), evt), "broker down")
}

func TestNewEventPublisherUnconfigured(t *testing.T) {
	p := NewEventPublisher(&conf.Data{}, nil, log.DefaultLogger)
	require.NoError(t, p.PublishStageEvent(context.Background(), &biz.StageEvent{Domain: "sales"}))

	src := NewRunRequestSource(&conf.Data{}, nil, log.DefaultLogger)
	require.NoError(t, src.Subscribe(func(ctx context.Context, body []byte) error { return nil }))
	require.NoError(t, src.Close())
}
