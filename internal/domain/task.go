package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TaskStatus 套利任务状态
type TaskStatus string

const (
	TaskPending          TaskStatus = "PENDING"           // 已创建，未开始
	TaskValidating       TaskStatus = "VALIDATING"        // 参数与行情校验中
	TaskPredictSubmitted TaskStatus = "PREDICT_SUBMITTED" // 入场 maker 单已挂出
	TaskPartiallyFilled  TaskStatus = "PARTIALLY_FILLED"  // 入场腿部分成交
	TaskPaused           TaskStatus = "PAUSED"            // 价格保护触发，入场单已撤
	TaskHedging          TaskStatus = "HEDGING"           // 对冲 taker 单提交中
	TaskHedgePending     TaskStatus = "HEDGE_PENDING"     // 对冲单等待确认
	TaskHedgeRetry       TaskStatus = "HEDGE_RETRY"       // 对冲失败，退避等待重试
	TaskLossHedge        TaskStatus = "LOSS_HEDGE"        // 对冲会亏损，等待价格回归
	TaskUnwindPending    TaskStatus = "UNWIND_PENDING"    // 准备反向平掉入场持仓
	TaskUnwinding        TaskStatus = "UNWINDING"         // 平仓单执行中
	TaskUnwindCompleted  TaskStatus = "UNWIND_COMPLETED"  // 平仓完成（接受损失退出）
	TaskHedgeFailed      TaskStatus = "HEDGE_FAILED"      // 对冲与平仓均失败，裸露持仓
	TaskCompleted        TaskStatus = "COMPLETED"         // 两腿全部成交，任务成功
	TaskFailed           TaskStatus = "FAILED"            // 校验或提交失败
	TaskCancelled        TaskStatus = "CANCELLED"         // 外部取消
	TaskTimeoutCancelled TaskStatus = "TIMEOUT_CANCELLED" // 超时取消
)

// IsTerminal 判断是否为终态
// HEDGE_FAILED / UNWIND_COMPLETED 会先记录上下文再落入 FAILED
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeoutCancelled:
		return true
	}
	return false
}

// TaskType 任务类型
type TaskType string

const (
	TaskTypeOpen  TaskType = "open"  // 建仓套利
	TaskTypeClose TaskType = "close" // 平仓套利
)

// Strategy 入场策略
type Strategy string

const (
	StrategyMaker Strategy = "maker" // 被动挂单，零手续费但成交慢
	StrategyTaker Strategy = "taker" // 吃单过价差，付费换即时性
)

// Task 跨所套利任务
//
// 数量不变式（全生命周期保持）：
//   - PredictFilledQty + RemainingQty == TotalQuantity
//   - HedgedQty <= PredictFilledQty
//
// 守卫标志（IsPaused / IsDepthAdjusting）是任务的领域数据：
// 自己发起撤单前先置位，收到取消事件时据此区分"自撤"和"外部撤单"。
type Task struct {
	ID       string
	Pair     Pair
	Side     Side // 入场腿方向
	Type     TaskType
	Strategy Strategy

	TotalQuantity    float64 // 计划总数量
	PredictFilledQty float64 // 入场腿累计成交
	RemainingQty     float64 // 入场腿未成交
	HedgedQty        float64 // 对冲腿累计成交

	EntryPrice Price // 入场挂单价
	HedgePrice Price // 对冲限价

	Status       TaskStatus
	OrderHash    string // 当前入场单哈希
	VenueOrderID int64  // 当前入场单交易所数字 ID
	HedgeHash    string // 当前对冲单哈希

	IsPaused         bool // 价格保护自撤进行中
	IsDepthAdjusting bool // 深度调整自撤进行中

	PauseCount      int        // 已触发价格保护次数
	HedgeRetryCount int        // 对冲重试次数
	NextRetryAt     time.Time  // 下次对冲重试时间
	LossHedgeSince  *time.Time // 进入 LOSS_HEDGE 的时间

	FailReason   string  // 终态原因（失败/取消时填写）
	ErrorDetails string  // 失败上下文（剩余数量、最后价格、重试次数等）
	UnwindLoss   float64 // 平仓接受的已实现损失
	NeedsManual  bool    // 裸露持仓，需人工介入

	CreatedAt time.Time
	UpdatedAt time.Time
	StateAt   time.Time // 进入当前状态的时间
}

// NewTask 创建一个建仓任务
func NewTask(pair Pair, side Side, strategy Strategy, entryPrice Price, quantity float64, now time.Time) *Task {
	if strategy == "" {
		strategy = StrategyMaker
	}
	return &Task{
		ID:            uuid.NewString(),
		Pair:          pair,
		Side:          side,
		Type:          TaskTypeOpen,
		Strategy:      strategy,
		EntryPrice:    entryPrice,
		HedgePrice:    pair.HedgePriceFor(entryPrice),
		TotalQuantity: quantity,
		RemainingQty:  quantity,
		Status:        TaskPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		StateAt:       now,
	}
}

// NewCloseTask 创建一个平仓任务：反向吃掉入场腿的裸露持仓
// entryPrice 记录原建仓成本，用于计算平仓实现的损失
func NewCloseTask(pair Pair, side Side, entryPrice Price, quantity float64, now time.Time) *Task {
	return &Task{
		ID:            uuid.NewString(),
		Pair:          pair,
		Side:          side,
		Type:          TaskTypeClose,
		Strategy:      StrategyTaker,
		EntryPrice:    entryPrice,
		TotalQuantity: quantity,
		RemainingQty:  quantity,
		Status:        TaskPending,
		CreatedAt:     now,
		UpdatedAt:     now,
		StateAt:       now,
	}
}

// CheckInvariants 校验数量不变式，状态机每次转移后调用
func (t *Task) CheckInvariants() error {
	if !almostEqual(t.PredictFilledQty+t.RemainingQty, t.TotalQuantity) {
		return errors.Errorf("数量不守恒: filled=%.4f + remaining=%.4f != total=%.4f",
			t.PredictFilledQty, t.RemainingQty, t.TotalQuantity)
	}
	if t.HedgedQty > t.PredictFilledQty+qtyEpsilon {
		return errors.Errorf("对冲超量: hedged=%.4f > filled=%.4f", t.HedgedQty, t.PredictFilledQty)
	}
	return nil
}

// UnhedgedQty 返回已成交但尚未对冲的数量
func (t *Task) UnhedgedQty() float64 {
	u := t.PredictFilledQty - t.HedgedQty
	if u < 0 {
		return 0
	}
	return u
}

// ApplyEntryFill 记录入场腿一笔成交，保持数量守恒
func (t *Task) ApplyEntryFill(qty float64, now time.Time) error {
	if qty <= 0 {
		return errors.Errorf("成交数量非法: %.4f", qty)
	}
	if qty > t.RemainingQty+qtyEpsilon {
		return errors.Errorf("成交超出剩余: qty=%.4f remaining=%.4f", qty, t.RemainingQty)
	}
	if qty > t.RemainingQty {
		qty = t.RemainingQty
	}
	t.PredictFilledQty += qty
	t.RemainingQty -= qty
	t.touch(now)
	return t.CheckInvariants()
}

// ApplyHedgeFill 记录对冲腿一笔成交
func (t *Task) ApplyHedgeFill(qty float64, now time.Time) error {
	if qty <= 0 {
		return errors.Errorf("对冲数量非法: %.4f", qty)
	}
	t.HedgedQty += qty
	if t.HedgedQty > t.PredictFilledQty {
		t.HedgedQty = t.PredictFilledQty
	}
	t.touch(now)
	return t.CheckInvariants()
}

// IsFullyHedged 判断已成交部分是否全部对冲完成
func (t *Task) IsFullyHedged() bool {
	return t.PredictFilledQty > 0 && almostEqual(t.HedgedQty, t.PredictFilledQty)
}

// IsExternalCancel 判断一条取消事件是否应按外部取消处理
//
// 判定规则：哈希命中当前入场单 且 无任何守卫标志 才算外部取消；
// 任一守卫标志置位时，取消事件视为自撤回执，不触发外部取消分支。
func (t *Task) IsExternalCancel(orderHash string, venueOrderID int64) bool {
	matched := false
	if t.OrderHash != "" && orderHash != "" && t.OrderHash == orderHash {
		matched = true
	}
	if t.VenueOrderID != 0 && venueOrderID != 0 && t.VenueOrderID == venueOrderID {
		matched = true
	}
	return matched && !t.IsPaused && !t.IsDepthAdjusting
}

func (t *Task) touch(now time.Time) {
	t.UpdatedAt = now
}

const qtyEpsilon = 1e-9

func almostEqual(a, b float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= qtyEpsilon
}
