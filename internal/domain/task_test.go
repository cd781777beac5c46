package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPair() Pair {
	return Pair{
		EntryMarketID: "0xentry",
		HedgeMarketID: "KXTEST-26DEC31",
		FeeRate:       0.02,
		TickSize:      0.001,
	}
}

func TestNewTaskQuantityConservation(t *testing.T) {
	now := time.Now()
	task := NewTask(testPair(), SideBuy, StrategyMaker, PriceFromDecimal(0.45), 100, now)

	require.NoError(t, task.CheckInvariants())
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, 100.0, task.RemainingQty)
	assert.Equal(t, 0.0, task.PredictFilledQty)
}

func TestApplyEntryFillConservesQuantity(t *testing.T) {
	now := time.Now()
	task := NewTask(testPair(), SideBuy, StrategyMaker, PriceFromDecimal(0.45), 100, now)

	require.NoError(t, task.ApplyEntryFill(30, now))
	assert.Equal(t, 30.0, task.PredictFilledQty)
	assert.Equal(t, 70.0, task.RemainingQty)

	require.NoError(t, task.ApplyEntryFill(70, now))
	assert.Equal(t, 100.0, task.PredictFilledQty)
	assert.Equal(t, 0.0, task.RemainingQty)

	// 超出剩余的成交被拒绝
	require.Error(t, task.ApplyEntryFill(1, now))
}

func TestApplyHedgeFillClampsAtFilled(t *testing.T) {
	now := time.Now()
	task := NewTask(testPair(), SideBuy, StrategyMaker, PriceFromDecimal(0.45), 100, now)
	require.NoError(t, task.ApplyEntryFill(40, now))

	require.NoError(t, task.ApplyHedgeFill(25, now))
	assert.Equal(t, 25.0, task.HedgedQty)
	assert.False(t, task.IsFullyHedged())

	// 对冲回报可能略超（交易所取整），夹在已成交上限
	require.NoError(t, task.ApplyHedgeFill(20, now))
	assert.Equal(t, 40.0, task.HedgedQty)
	assert.True(t, task.IsFullyHedged())
	require.NoError(t, task.CheckInvariants())
}

func TestTransitionTable(t *testing.T) {
	now := time.Now()
	task := NewTask(testPair(), SideBuy, StrategyMaker, PriceFromDecimal(0.45), 100, now)

	require.NoError(t, task.Transition(TaskValidating, now))
	require.NoError(t, task.Transition(TaskPredictSubmitted, now))
	require.NoError(t, task.Transition(TaskPartiallyFilled, now))
	// 多笔部分成交允许原地停留
	require.NoError(t, task.Transition(TaskPartiallyFilled, now))
	require.NoError(t, task.Transition(TaskHedging, now))
	require.NoError(t, task.Transition(TaskCompleted, now))

	// 终态后任何转移都非法
	require.Error(t, task.Transition(TaskHedging, now))
}

func TestHedgeFailurePath(t *testing.T) {
	now := time.Now()
	task := NewTask(testPair(), SideBuy, StrategyMaker, PriceFromDecimal(0.45), 100, now)
	require.NoError(t, task.Transition(TaskValidating, now))
	require.NoError(t, task.Transition(TaskPredictSubmitted, now))
	require.NoError(t, task.Transition(TaskHedging, now))
	require.NoError(t, task.EnterHedgePending(now))
	require.NoError(t, task.Transition(TaskHedgeRetry, now))
	require.NoError(t, task.Transition(TaskHedgeFailed, now))
	require.NoError(t, task.Transition(TaskFailed, now))
	assert.True(t, task.Status.IsTerminal())
}

func TestUnwindPath(t *testing.T) {
	now := time.Now()
	task := NewTask(testPair(), SideBuy, StrategyMaker, PriceFromDecimal(0.45), 100, now)
	require.NoError(t, task.Transition(TaskValidating, now))
	require.NoError(t, task.Transition(TaskPredictSubmitted, now))
	require.NoError(t, task.Transition(TaskHedging, now))
	require.NoError(t, task.EnterLossHedge(now))
	require.NoError(t, task.Transition(TaskUnwindPending, now))
	require.NoError(t, task.Transition(TaskUnwinding, now))
	require.NoError(t, task.Transition(TaskUnwindCompleted, now))
	require.NoError(t, task.Transition(TaskFailed, now))
}

func TestIllegalTransitionRejected(t *testing.T) {
	now := time.Now()
	task := NewTask(testPair(), SideBuy, StrategyMaker, PriceFromDecimal(0.45), 100, now)

	assert.Error(t, task.Transition(TaskHedging, now))
	assert.Error(t, task.Transition(TaskCompleted, now))
	assert.Equal(t, TaskPending, task.Status)
}

func TestExternalCancelClassification(t *testing.T) {
	now := time.Now()
	task := NewTask(testPair(), SideBuy, StrategyMaker, PriceFromDecimal(0.45), 100, now)
	task.OrderHash = "0xabc"
	task.VenueOrderID = 777

	// 无守卫标志 + 哈希命中 = 外部取消
	assert.True(t, task.IsExternalCancel("0xabc", 0))
	assert.True(t, task.IsExternalCancel("", 777))

	// 哈希不匹配不算外部取消
	assert.False(t, task.IsExternalCancel("0xother", 0))
	assert.False(t, task.IsExternalCancel("", 999))

	// 守卫标志置位期间，命中的取消事件视为自撤回执
	task.IsPaused = true
	assert.False(t, task.IsExternalCancel("0xabc", 777))
	task.IsPaused = false

	task.IsDepthAdjusting = true
	assert.False(t, task.IsExternalCancel("0xabc", 777))
}

func TestPauseGuardLifecycle(t *testing.T) {
	now := time.Now()
	task := NewTask(testPair(), SideBuy, StrategyMaker, PriceFromDecimal(0.45), 100, now)
	require.NoError(t, task.Transition(TaskValidating, now))
	require.NoError(t, task.Transition(TaskPredictSubmitted, now))
	task.OrderHash = "0xabc"

	require.NoError(t, task.EnterPaused(now))
	assert.True(t, task.IsPaused)
	assert.Equal(t, 1, task.PauseCount)
	assert.Equal(t, TaskPaused, task.Status)

	// 取消回执到达：守卫标志生效期间不按外部取消处理
	assert.False(t, task.IsExternalCancel("0xabc", 0))

	task.ClearPaused()
	require.NoError(t, task.Transition(TaskPredictSubmitted, now))
	assert.False(t, task.IsPaused)
}

func TestHedgeRetryBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, hedgeRetryDelay(1))
	assert.Equal(t, 4*time.Second, hedgeRetryDelay(2))
	assert.Equal(t, 8*time.Second, hedgeRetryDelay(3))
	// 封顶
	assert.Equal(t, 8*time.Second, hedgeRetryDelay(4))
	assert.Equal(t, 8*time.Second, hedgeRetryDelay(10))
}

func TestEnterHedgePendingSchedulesNextAttempt(t *testing.T) {
	now := time.Now()
	task := NewTask(testPair(), SideBuy, StrategyMaker, PriceFromDecimal(0.45), 100, now)
	require.NoError(t, task.Transition(TaskValidating, now))
	require.NoError(t, task.Transition(TaskPredictSubmitted, now))
	require.NoError(t, task.Transition(TaskHedging, now))

	require.NoError(t, task.EnterHedgePending(now))
	assert.Equal(t, 1, task.HedgeRetryCount)
	assert.False(t, task.RetryDue(now))
	assert.False(t, task.RetryDue(now.Add(1*time.Second)))
	assert.True(t, task.RetryDue(now.Add(2*time.Second+time.Millisecond)))
}

func TestLossHedgeWindow(t *testing.T) {
	now := time.Now()
	task := NewTask(testPair(), SideBuy, StrategyMaker, PriceFromDecimal(0.45), 100, now)
	require.NoError(t, task.Transition(TaskValidating, now))
	require.NoError(t, task.Transition(TaskPredictSubmitted, now))
	require.NoError(t, task.Transition(TaskHedging, now))

	require.NoError(t, task.EnterLossHedge(now))
	assert.False(t, task.LossHedgeExpired(15*time.Second, now.Add(10*time.Second)))
	assert.True(t, task.LossHedgeExpired(15*time.Second, now.Add(15*time.Second)))

	// 价格回归后可以重回 HEDGING
	require.NoError(t, task.Transition(TaskHedging, now))
}

func TestTaskExpiry(t *testing.T) {
	now := time.Now()
	task := NewTask(testPair(), SideBuy, StrategyMaker, PriceFromDecimal(0.45), 100, now)
	assert.False(t, task.Expired(10*time.Minute, now.Add(9*time.Minute)))
	assert.True(t, task.Expired(10*time.Minute, now.Add(10*time.Minute)))
}
