package biz

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/looplab/fsm"
)

// PartitionState 分区状态
type PartitionState string

const (
	PartitionUnknown PartitionState = "unknown"
	PartitionRunning PartitionState = "running"
	PartitionOK      PartitionState = "ok"
	PartitionFailed  PartitionState = "failed"
	PartitionStale   PartitionState = "stale"
)

// PartitionEvent 分区状态机事件
type PartitionEvent string

const (
	PartitionEventStart      PartitionEvent = "start"
	PartitionEventSucceed    PartitionEvent = "succeed"
	PartitionEventFail       PartitionEvent = "fail"
	PartitionEventInvalidate PartitionEvent = "invalidate"
)

// Partition 一次执行的分区
type Partition struct {
	Domain   string
	Stage    Stage
	Range    DateRange
	Branches []string
	FSM      *fsm.FSM
}

func (p *Partition) String() string {
	return fmt.Sprintf("%s/%s %s", p.Domain, p.Stage, p.Range.Key())
}

// PartitionFSMManager 分区状态机管理器
type PartitionFSMManager struct {
	log *log.Helper
}

// NewPartitionFSMManager 创建状态机管理器
func NewPartitionFSMManager(logger log.Logger) *PartitionFSMManager {
	return &PartitionFSMManager{
		log: log.NewHelper(logger),
	}
}

// CreateFSM 为分区创建状态机
func (m *PartitionFSMManager) CreateFSM(p *Partition, initial PartitionState) *fsm.FSM {
	p.FSM = fsm.NewFSM(
		string(initial),
		fsm.Events{
			// 开始执行
			{Name: string(PartitionEventStart), Src: []string{
				string(PartitionUnknown),
				string(PartitionStale),
				string(PartitionFailed),
			}, Dst: string(PartitionRunning)},

			// 执行完成
			{Name: string(PartitionEventSucceed), Src: []string{string(PartitionRunning)}, Dst: string(PartitionOK)},
			{Name: string(PartitionEventFail), Src: []string{string(PartitionRunning)}, Dst: string(PartitionFailed)},

			// 强制重跑或版本变化
			{Name: string(PartitionEventInvalidate), Src: []string{string(PartitionOK)}, Dst: string(PartitionStale)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.log.Debugf("Partition %s: %s -> %s", p, e.Src, e.Dst)
			},
		},
	)
	return p.FSM
}

// InitialState 根据已有记录推断分区的初始状态
func InitialState(records []*StageMetadata, rng DateRange) PartitionState {
	state := PartitionUnknown
	// 记录按 LastRun 升序，最后一条为准
	for _, rec := range records {
		if rec == nil || !rec.StartDate.Equal(rng.Start) || !rec.EndDate.Equal(rng.End) {
			continue
		}
		switch rec.Status {
		case StatusOK:
			state = PartitionOK
		default:
			state = PartitionFailed
		}
	}
	return state
}

// Begin 将分区推进到 running，已完成的分区先失效
func (m *PartitionFSMManager) Begin(ctx context.Context, p *Partition) error {
	if p.FSM.Current() == string(PartitionOK) {
		if err := p.FSM.Event(ctx, string(PartitionEventInvalidate)); err != nil {
			return fmt.Errorf("failed to invalidate partition %s: %w", p, err)
		}
	}
	if err := p.FSM.Event(ctx, string(PartitionEventStart)); err != nil {
		return fmt.Errorf("failed to start partition %s: %w", p, err)
	}
	return nil
}

// Finish 根据执行结果结束分区，返回应写入的元数据状态
func (m *PartitionFSMManager) Finish(ctx context.Context, p *Partition, runErr error) (Status, error) {
	event, status := PartitionEventSucceed, StatusOK
	if runErr != nil {
		event, status = PartitionEventFail, StatusFailed
	}
	if err := p.FSM.Event(ctx, string(event)); err != nil {
		return StatusFailed, fmt.Errorf("failed to finish partition %s: %w", p, err)
	}
	return status, nil
}

// currentState 获取当前状态
func (m *PartitionFSMManager) currentState(p *Partition) PartitionState {
	if p.FSM == nil {
		return PartitionUnknown
	}
	return PartitionState(p.FSM.Current())
}
