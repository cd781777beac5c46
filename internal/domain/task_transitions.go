package domain

import (
	"time"

	"github.com/pkg/errors"
)

const taskMaxBackoffShift = 3

// hedgeRetryDelay returns the retry delay for a given attempt count.
// 2s/4s/8s... capped by shift=3.
func hedgeRetryDelay(attempts int) time.Duration {
	shift := attempts
	if shift > taskMaxBackoffShift {
		shift = taskMaxBackoffShift
	}
	return time.Duration(1<<shift) * time.Second
}

// allowedTransitions 状态机合法转移表
//
// HEDGE_PENDING 表示"对冲尝试失败，排队等待重试"；
// HEDGING 成功直通 COMPLETED，部分成交场景回到 PREDICT_SUBMITTED 继续监听剩余
var allowedTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:          {TaskValidating, TaskCancelled},
	TaskValidating:       {TaskPredictSubmitted, TaskFailed, TaskCancelled},
	TaskPredictSubmitted: {TaskPartiallyFilled, TaskHedging, TaskPaused, TaskValidating, TaskCancelled, TaskTimeoutCancelled, TaskFailed},
	TaskPartiallyFilled:  {TaskPartiallyFilled, TaskHedging, TaskPaused, TaskCancelled, TaskTimeoutCancelled},
	TaskPaused:           {TaskPredictSubmitted, TaskValidating, TaskHedging, TaskCancelled, TaskTimeoutCancelled},
	TaskHedging:          {TaskHedgePending, TaskLossHedge, TaskCompleted, TaskPredictSubmitted, TaskPartiallyFilled},
	TaskHedgePending:     {TaskHedgeRetry},
	TaskHedgeRetry:       {TaskHedging, TaskHedgeFailed},
	TaskLossHedge:        {TaskHedging, TaskUnwindPending},
	TaskUnwindPending:    {TaskUnwinding, TaskHedging},
	TaskUnwinding:        {TaskUnwindCompleted, TaskHedgeFailed},
	TaskUnwindCompleted:  {TaskFailed},
	TaskHedgeFailed:      {TaskFailed},
}

// Transition 执行一次状态转移，非法转移返回错误
func (t *Task) Transition(to TaskStatus, now time.Time) error {
	if t.Status == to {
		if to == TaskPartiallyFilled {
			// 多笔部分成交允许原地停留
			t.touch(now)
			return nil
		}
		return errors.Errorf("重复转移: %s", to)
	}
	for _, ok := range allowedTransitions[t.Status] {
		if ok == to {
			t.Status = to
			t.StateAt = now
			t.touch(now)
			return nil
		}
	}
	return errors.Errorf("非法状态转移: %s -> %s", t.Status, to)
}

// EnterHedgePending 对冲失败后排队重试：计数并安排下次重试时间
func (t *Task) EnterHedgePending(now time.Time) error {
	if err := t.Transition(TaskHedgePending, now); err != nil {
		return err
	}
	t.HedgeRetryCount++
	t.NextRetryAt = now.Add(hedgeRetryDelay(t.HedgeRetryCount))
	return nil
}

// RetryDue 判断对冲重试时间是否已到
func (t *Task) RetryDue(now time.Time) bool {
	return t.Status == TaskHedgePending && !t.NextRetryAt.IsZero() && now.After(t.NextRetryAt)
}

// EnterLossHedge 进入亏损对冲等待状态
func (t *Task) EnterLossHedge(now time.Time) error {
	if err := t.Transition(TaskLossHedge, now); err != nil {
		return err
	}
	since := now
	t.LossHedgeSince = &since
	return nil
}

// LossHedgeExpired 判断亏损等待窗口是否已耗尽
func (t *Task) LossHedgeExpired(wait time.Duration, now time.Time) bool {
	return t.Status == TaskLossHedge && t.LossHedgeSince != nil &&
		now.Sub(*t.LossHedgeSince) >= wait
}

// EnterPaused 价格保护触发：置守卫标志并转入 PAUSED
// 调用方随后撤入场单，取消回执按自撤处理
func (t *Task) EnterPaused(now time.Time) error {
	t.IsPaused = true
	if err := t.Transition(TaskPaused, now); err != nil {
		t.IsPaused = false
		return err
	}
	t.PauseCount++
	return nil
}

// ClearPaused 自撤回执处理完毕后清除守卫标志
func (t *Task) ClearPaused() {
	t.IsPaused = false
}

// Expired 判断任务是否超过总时长上限
func (t *Task) Expired(expiry time.Duration, now time.Time) bool {
	return now.Sub(t.CreatedAt) >= expiry
}

// Fail 转入 FAILED 终态并记录原因
func (t *Task) Fail(reason string, now time.Time) {
	t.Status = TaskFailed
	t.FailReason = reason
	t.StateAt = now
	t.touch(now)
}
