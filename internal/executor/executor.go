// Package executor 驱动单个套利任务的完整生命周期：
// 校验 → 入场挂单 → 成交跟踪 → 对冲 → 重试/止损平仓 → 终态归档
//
// 一个 Task 由一个 Executor 调用独占，状态只被该调用的顺序控制流修改；
// 跨任务并发通过运行多个独立的 Executor 实例实现，从不共享可变任务状态。
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/crossarb/internal/domain"
	"github.com/betbot/crossarb/internal/fillwatcher"
	"github.com/betbot/crossarb/internal/notify"
	"github.com/betbot/crossarb/internal/venue"
	"github.com/betbot/crossarb/pkg/config"
	"github.com/betbot/crossarb/pkg/logger"
)

var execLog = logger.WithField("component", "executor")

// Quotes 行情读取接口
type Quotes interface {
	Get(ctx context.Context, marketID string) (*domain.BookSnapshot, error)
	GetSync(marketID string) (*domain.BookSnapshot, error)
}

// OrderWatcher 订单事件监听接口
type OrderWatcher interface {
	WatchOrder(orderHash string, size float64, cb fillwatcher.Callback, timeout time.Duration, venueOrderIDHint int64) fillwatcher.CancelFunc
}

// Archiver 终态任务归档
type Archiver interface {
	Archive(ctx context.Context, t *domain.Task) error
}

// Executor 套利任务执行器
type Executor struct {
	cfg      config.ExecutorConfig
	quotes   Quotes
	watcher  OrderWatcher
	entry    venue.Client
	hedge    venue.Client
	notifier *notify.Notifier
	archiver Archiver // 可为 nil（仅测试）

	entryMinNotional float64
	hedgeMinNotional float64

	// 测试注入点
	now        func() time.Time
	sleepUntil func(ctx context.Context, t time.Time) error
}

// SetMinNotionals 设置两所的最小下单金额约束
func (e *Executor) SetMinNotionals(entry, hedge float64) {
	e.entryMinNotional = entry
	e.hedgeMinNotional = hedge
}

// New 创建执行器
func New(cfg config.ExecutorConfig, quotes Quotes, watcher OrderWatcher,
	entry, hedge venue.Client, notifier *notify.Notifier, archiver Archiver) *Executor {
	return &Executor{
		cfg:      cfg,
		quotes:   quotes,
		watcher:  watcher,
		entry:    entry,
		hedge:    hedge,
		notifier: notifier,
		archiver: archiver,
		now:      time.Now,
		sleepUntil: func(ctx context.Context, t time.Time) error {
			d := time.Until(t)
			if d <= 0 {
				return nil
			}
			select {
			case <-time.After(d):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Run 驱动任务直到终态，阻塞执行
// 任务总时长上限由 TaskExpiry 约束；到期走超时取消路径
func (e *Executor) Run(ctx context.Context, task *domain.Task) error {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskExpiry())
	defer cancel()

	e.notify(notify.EventTaskStarted, task, "任务启动",
		fmt.Sprintf("%s -> %s, qty=%.2f", task.Pair.EntryMarketID, task.Pair.HedgeMarketID, task.TotalQuantity))

	if task.Type == domain.TaskTypeClose {
		e.runClose(runCtx, task)
		e.finalize(task)
		if task.Status != domain.TaskCompleted {
			return fmt.Errorf("平仓未完成: %s (%s)", task.Status, task.FailReason)
		}
		return nil
	}

	if err := e.validate(runCtx, task); err != nil {
		task.Fail(err.Error(), e.now())
		e.finalize(task)
		return err
	}

	e.runEntry(runCtx, task)
	e.finalize(task)

	if task.Status != domain.TaskCompleted {
		return fmt.Errorf("任务未完成: %s (%s)", task.Status, task.FailReason)
	}
	return nil
}

// validate 开仓前校验：重新确认行情、深度与费率仍支持该机会
func (e *Executor) validate(ctx context.Context, task *domain.Task) error {
	if err := task.Transition(domain.TaskValidating, e.now()); err != nil {
		return err
	}

	entryBook, err := e.quotes.Get(ctx, task.Pair.EntryMarketID)
	if err != nil {
		return fmt.Errorf("入场行情不可用: %w", err)
	}
	hedgeBook, err := e.hedgeView(ctx, task)
	if err != nil {
		return fmt.Errorf("对冲行情不可用: %w", err)
	}

	entryPrice, ok := e.entryPriceFor(task, entryBook)
	if !ok {
		return fmt.Errorf("入场市场无可用盘口")
	}
	hedgeAsk, ok := hedgeBook.BestAsk()
	if !ok {
		return fmt.Errorf("对冲市场无卖盘")
	}

	if !isProfitable(entryPrice, hedgeAsk.Price, task.Pair.FeeRate, e.cfg.MinProfitBuffer) {
		return fmt.Errorf("机会已失效: entry=%.4f hedge=%.4f fee=%.4f",
			entryPrice.ToDecimal(), hedgeAsk.Price.ToDecimal(), task.Pair.FeeRate)
	}

	limit := maxHedgePrice(entryPrice, task.Pair.FeeRate, e.cfg.MinProfitBuffer)
	requested := task.TotalQuantity
	if task.Strategy == domain.StrategyTaker {
		// taker 吃单会走深多档卖盘，按双腿深度压数量
		depth := AnalyzeDepth(entryBook.Asks, hedgeBook.Asks, task.Pair.FeeRate, e.cfg.MinProfitBuffer)
		if depth.MaxSize < requested {
			requested = depth.MaxSize
		}
	}
	size := sizeForOpen(requested, hedgeBook, limit, entryPrice, e.entryMinNotional, e.hedgeMinNotional)
	if size <= 0 {
		return fmt.Errorf("深度或最小下单金额不满足: limit=%.4f", limit.ToDecimal())
	}

	task.EntryPrice = entryPrice
	task.HedgePrice = limit // 对冲腿可接受的最高限价
	task.TotalQuantity = size
	task.RemainingQty = size
	return task.CheckInvariants()
}

// entryPriceFor 按策略计算入场价
func (e *Executor) entryPriceFor(task *domain.Task, book *domain.BookSnapshot) (domain.Price, bool) {
	if task.Strategy == domain.StrategyTaker {
		return takerEntryPrice(book)
	}
	return makerEntryPrice(book, task.Pair.TickSize)
}

// hedgeView 获取对冲腿视角的订单簿
// 两所语义互反时用互补价重建同向视角，之后统一按"买对冲"处理
func (e *Executor) hedgeView(ctx context.Context, task *domain.Task) (*domain.BookSnapshot, error) {
	book, err := e.quotes.Get(ctx, task.Pair.HedgeMarketID)
	if err != nil {
		return nil, err
	}
	if task.Pair.Inverted {
		return book.Inverted(), nil
	}
	return book, nil
}

// hedgeViewSync 同 hedgeView，但只读缓存不碰网络
func (e *Executor) hedgeViewSync(task *domain.Task) (*domain.BookSnapshot, error) {
	book, err := e.quotes.GetSync(task.Pair.HedgeMarketID)
	if err != nil {
		return nil, err
	}
	if task.Pair.Inverted {
		return book.Inverted(), nil
	}
	return book, nil
}

// awaitOrder 注册监听并等待终态事件；超时后用状态轮询兜底对账
// 返回 nil 表示既无事件也无法确定状态（调用方按失败处理）
func (e *Executor) awaitOrder(ctx context.Context, client venue.Client, hash string, venueID int64,
	size float64, timeout time.Duration, onPartial func(fillwatcher.Update)) *fillwatcher.Update {

	ch := make(chan fillwatcher.Update, 16)
	cancelWatch := e.watcher.WatchOrder(hash, size, func(u fillwatcher.Update) {
		select {
		case ch <- u:
		default:
		}
	}, timeout, venueID)
	defer cancelWatch()

	deadline := e.now().Add(timeout)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			break
		}
		select {
		case u := <-ch:
			if u.Kind.IsTerminal() {
				return &u
			}
			if onPartial != nil {
				onPartial(u)
			}
		case <-time.After(remain):
		case <-ctx.Done():
			return nil
		}
		if time.Until(deadline) <= 0 {
			break
		}
	}

	// 监听超时：权威状态轮询兜底，宁可多查一次也不猜测成交与否
	state, err := client.OrderStatus(ctx, hash)
	if err != nil {
		execLog.WithField("hash", hash).Warnf("超时后状态轮询失败: %v", err)
		return nil
	}
	u := fillwatcher.Update{
		OrderHash:    hash,
		VenueOrderID: state.VenueOrderID,
		TotalFilled:  state.FilledSize,
		RemainingQty: size - state.FilledSize,
		FilledQty:    state.FilledSize,
		Price:        state.AvgFillPrice,
		At:           e.now(),
	}
	switch state.Status {
	case domain.OrderStatusFilled:
		u.Kind = fillwatcher.UpdateFilled
	case domain.OrderStatusCanceled:
		u.Kind = fillwatcher.UpdateCancelled
	case domain.OrderStatusPartial:
		u.Kind = fillwatcher.UpdatePartial
	default:
		u.Kind = fillwatcher.UpdateAccepted
	}
	return &u
}

// notify 发送任务事件通知，失败不影响任务状态
func (e *Executor) notify(kind notify.EventKind, task *domain.Task, title, message string) {
	if e.notifier == nil {
		return
	}
	e.notifier.Notify(notify.Event{
		Kind:    kind,
		TaskID:  task.ID,
		Title:   title,
		Message: message,
		Fields: map[string]interface{}{
			"status":    string(task.Status),
			"filled":    task.PredictFilledQty,
			"hedged":    task.HedgedQty,
			"remaining": task.RemainingQty,
			"retries":   task.HedgeRetryCount,
		},
	})
}

// finalize 终态处理：通知 + 归档
func (e *Executor) finalize(task *domain.Task) {
	switch task.Status {
	case domain.TaskCompleted:
		e.notify(notify.EventTaskCompleted, task, "任务完成",
			fmt.Sprintf("filled=%.2f hedged=%.2f", task.PredictFilledQty, task.HedgedQty))
	default:
		kind := notify.EventTaskFailed
		if task.NeedsManual {
			kind = notify.EventHedgeFailed
		}
		e.notify(kind, task, "任务终止", task.FailReason)
	}

	if e.archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.archiver.Archive(ctx, task); err != nil {
			execLog.WithFields(logrus.Fields{"task": task.ID}).Errorf("归档失败: %v", err)
		}
	}
}
