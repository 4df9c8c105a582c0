package biz

import (
	"context"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/looplab/fsm"
)

// RunEvent 运行事件
type RunEvent string

const (
	RunEventStart    RunEvent = "start"    // 开始执行
	RunEventComplete RunEvent = "complete" // 全部成功
	RunEventPartial  RunEvent = "partial"  // 部分失败
	RunEventFail     RunEvent = "fail"     // 失败
	RunEventCancel   RunEvent = "cancel"   // 取消
)

// RunFSMManager 运行状态机管理器
type RunFSMManager struct {
	log *log.Helper
}

// NewRunFSMManager 创建状态机管理器
func NewRunFSMManager(logger log.Logger) *RunFSMManager {
	return &RunFSMManager{
		log: log.NewHelper(logger),
	}
}

// CreateFSM 以运行的当前状态创建状态机
func (m *RunFSMManager) CreateFSM(run *Run) *fsm.FSM {
	return fsm.NewFSM(
		string(run.Status),
		fsm.Events{
			{Name: string(RunEventStart), Src: []string{string(RunStatusPending)}, Dst: string(RunStatusRunning)},
			{Name: string(RunEventComplete), Src: []string{string(RunStatusRunning)}, Dst: string(RunStatusCompleted)},
			{Name: string(RunEventPartial), Src: []string{string(RunStatusRunning)}, Dst: string(RunStatusPartial)},
			{Name: string(RunEventFail), Src: []string{
				string(RunStatusPending),
				string(RunStatusRunning),
			}, Dst: string(RunStatusFailed)},
			{Name: string(RunEventCancel), Src: []string{
				string(RunStatusPending),
				string(RunStatusRunning),
			}, Dst: string(RunStatusCancelled)},
		},
		fsm.Callbacks{
			"enter_state": func(ctx context.Context, e *fsm.Event) {
				m.log.Debugf("Run %s: %s -> %s", run.ID, e.Src, e.Dst)
			},
		},
	)
}
