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
)

// runEntry 入场腿主循环：挂单 → 监听成交/守护检查/超时，直到任务终态
//
// 循环内所有分支顺序执行，任务状态只在这里被修改；
// 成交事件经 Fill Watcher 回调投递到本地通道，不直接操作任务。
func (e *Executor) runEntry(ctx context.Context, task *domain.Task) {
	updates := make(chan fillwatcher.Update, 32)

	cancelWatch, ok := e.placeEntry(ctx, task, updates)
	if !ok {
		return
	}
	defer func() {
		if cancelWatch != nil {
			cancelWatch()
		}
	}()

	guardTicker := time.NewTicker(e.cfg.GuardInterval())
	defer guardTicker.Stop()
	orderTimer := time.NewTimer(e.cfg.OrderTimeout())
	defer orderTimer.Stop()

	// 当前入场单的累计成交，换单后归零
	var orderFilled float64

	for {
		select {
		case u := <-updates:
			switch u.Kind {
			case fillwatcher.UpdateAccepted:
				if task.VenueOrderID == 0 && u.VenueOrderID != 0 {
					task.VenueOrderID = u.VenueOrderID
				}

			case fillwatcher.UpdatePartial:
				if !e.applyEntryDelta(task, &orderFilled, u.TotalFilled) {
					continue
				}
				orderTimer.Reset(e.cfg.OrderTimeout())
				if err := task.Transition(domain.TaskPartiallyFilled, e.now()); err != nil {
					execLog.WithField("task", task.ID).Warnf("部分成交转移失败: %v", err)
					continue
				}
				// 成交一笔立即对冲一笔，不等整单完成
				if err := e.hedgeFilled(ctx, task); err != nil {
					return
				}
				if err := task.Transition(domain.TaskPartiallyFilled, e.now()); err != nil {
					execLog.WithField("task", task.ID).Warnf("恢复监听转移失败: %v", err)
				}

			case fillwatcher.UpdateFilled:
				e.applyEntryDelta(task, &orderFilled, u.TotalFilled)
				if task.RemainingQty > qtyDust {
					// 换单周期中旧单终态，剩余量继续挂新单
					cancelWatch, ok = e.resubmitEntry(ctx, task, updates, &orderFilled, cancelWatch)
					if !ok {
						return
					}
					continue
				}
				if err := e.hedgeFilled(ctx, task); err != nil {
					return
				}
				e.finishCompleted(task)
				return

			case fillwatcher.UpdateCancelled:
				if !task.IsExternalCancel(u.OrderHash, u.VenueOrderID) {
					// 自撤回执：价格保护分支已处理，忽略
					continue
				}
				e.applyEntryDelta(task, &orderFilled, u.TotalFilled)
				e.finishExternalCancel(ctx, task)
				return
			}

		case <-guardTicker.C:
			switch task.Status {
			case domain.TaskPredictSubmitted, domain.TaskPartiallyFilled:
				if !e.guardBreached(task) {
					continue
				}
				var done bool
				cancelWatch, done = e.enterPause(ctx, task, cancelWatch)
				if done {
					return
				}

			case domain.TaskPaused:
				cancelWatch, ok = e.tryResume(ctx, task, updates, &orderFilled)
				if !ok {
					return
				}
			}

		case <-orderTimer.C:
			if task.Status == domain.TaskPaused {
				orderTimer.Reset(e.cfg.OrderTimeout())
				continue
			}
			e.finishTimeoutCancel(ctx, task, cancelWatch, "入场单超时未成交")
			cancelWatch = nil
			return

		case <-ctx.Done():
			e.finishTimeoutCancel(ctx, task, cancelWatch, "任务总时长到期")
			cancelWatch = nil
			return
		}
	}
}

const qtyDust = 1e-6

// placeEntry 提交入场单并注册成交监听
func (e *Executor) placeEntry(ctx context.Context, task *domain.Task, updates chan fillwatcher.Update) (fillwatcher.CancelFunc, bool) {
	req := &venue.OrderRequest{
		MarketID: task.Pair.EntryMarketID,
		Side:     task.Side,
		Price:    task.EntryPrice,
		Size:     task.RemainingQty,
		PostOnly: task.Strategy == domain.StrategyMaker,
	}
	ack, err := e.entry.PlaceOrder(ctx, req)
	if err != nil {
		task.Fail(fmt.Sprintf("入场下单失败: %v", err), e.now())
		return nil, false
	}
	task.OrderHash = ack.OrderHash
	task.VenueOrderID = ack.VenueOrderID

	if err := task.Transition(domain.TaskPredictSubmitted, e.now()); err != nil {
		task.Fail(err.Error(), e.now())
		return nil, false
	}

	execLog.WithFields(logrus.Fields{
		"task":   task.ID,
		"market": task.Pair.EntryMarketID,
		"price":  task.EntryPrice.ToDecimal(),
		"size":   req.Size,
	}).Info("入场单已挂出")

	cancelWatch := e.watcher.WatchOrder(ack.OrderHash, req.Size, func(u fillwatcher.Update) {
		select {
		case updates <- u:
		default:
			execLog.WithField("task", task.ID).Warn("成交更新通道拥塞，丢弃一条")
		}
	}, e.cfg.WatchTimeout(), ack.VenueOrderID)
	return cancelWatch, true
}

// applyEntryDelta 用订单累计成交量推导增量并入账，重复事件自然归零
func (e *Executor) applyEntryDelta(task *domain.Task, orderFilled *float64, totalFilled float64) bool {
	delta := totalFilled - *orderFilled
	if delta <= qtyDust {
		return false
	}
	*orderFilled = totalFilled
	if err := task.ApplyEntryFill(delta, e.now()); err != nil {
		execLog.WithField("task", task.ID).Errorf("入账成交失败: %v", err)
		return false
	}
	return true
}

// guardBreached 价格守护检查：对冲腿现价是否仍在可接受限价内
// 只读缓存，行情缺失时保守放行（下一轮再查）
func (e *Executor) guardBreached(task *domain.Task) bool {
	book, err := e.hedgeViewSync(task)
	if err != nil || book == nil {
		return false
	}
	ask, ok := book.BestAsk()
	if !ok {
		return false
	}
	return ask.Price.GreaterThan(task.HedgePrice)
}

// enterPause 价格保护触发：置守卫标志、撤单、按策略决定等待或退出
// 返回 (新的 cancelWatch, 任务是否已终态)
func (e *Executor) enterPause(ctx context.Context, task *domain.Task, cancelWatch fillwatcher.CancelFunc) (fillwatcher.CancelFunc, bool) {
	if err := task.EnterPaused(e.now()); err != nil {
		execLog.WithField("task", task.ID).Warnf("暂停转移失败: %v", err)
		return cancelWatch, false
	}
	if cancelWatch != nil {
		cancelWatch()
	}
	if err := e.entry.CancelOrder(ctx, task.OrderHash); err != nil {
		execLog.WithField("task", task.ID).Warnf("保护撤单失败: %v", err)
	}

	e.notify(notify.EventPriceGuard, task, "价格保护触发",
		fmt.Sprintf("对冲价超限 limit=%d¢, 第 %d 次暂停", task.HedgePrice.ToCents(), task.PauseCount))

	if e.cfg.PausePolicy == config.PausePolicyCancel || task.PauseCount > e.cfg.MaxPauses {
		e.finishTimeoutCancel(ctx, task, nil, "价格保护触发后取消")
		return nil, true
	}
	// resume 策略：停留在 PAUSED，守护定时器继续尝试恢复
	return nil, false
}

// tryResume 暂停恢复：重新定价，机会仍在则换新价重挂
func (e *Executor) tryResume(ctx context.Context, task *domain.Task, updates chan fillwatcher.Update, orderFilled *float64) (fillwatcher.CancelFunc, bool) {
	entryBook, err := e.quotes.Get(ctx, task.Pair.EntryMarketID)
	if err != nil {
		return nil, true
	}
	hedgeBook, err := e.hedgeView(ctx, task)
	if err != nil {
		return nil, true
	}
	price, ok := e.entryPriceFor(task, entryBook)
	if !ok {
		return nil, true
	}
	ask, ok := hedgeBook.BestAsk()
	if !ok {
		return nil, true
	}
	if !isProfitable(price, ask.Price, task.Pair.FeeRate, e.cfg.MinProfitBuffer) {
		return nil, true
	}

	task.ClearPaused()
	task.EntryPrice = price
	task.HedgePrice = maxHedgePrice(price, task.Pair.FeeRate, e.cfg.MinProfitBuffer)
	*orderFilled = 0
	return e.placeEntry(ctx, task, updates)
}

// resubmitEntry 旧单终态但仍有剩余量时换新单继续
func (e *Executor) resubmitEntry(ctx context.Context, task *domain.Task, updates chan fillwatcher.Update, orderFilled *float64, cancelWatch fillwatcher.CancelFunc) (fillwatcher.CancelFunc, bool) {
	if cancelWatch != nil {
		cancelWatch()
	}
	if err := e.hedgeFilled(ctx, task); err != nil {
		return nil, false
	}
	if task.Status == domain.TaskHedging {
		if err := task.Transition(domain.TaskPartiallyFilled, e.now()); err != nil {
			execLog.WithField("task", task.ID).Warnf("换单转移失败: %v", err)
		}
	}
	*orderFilled = 0
	return e.placeEntry(ctx, task, updates)
}

// finishCompleted 全部成交且对冲齐平后落终态
// 对账补投的终态事件可能不带新增量，此时对冲早已完成、状态仍停在
// PARTIALLY_FILLED，统一先过 HEDGING 再收尾
func (e *Executor) finishCompleted(task *domain.Task) {
	if task.Status != domain.TaskHedging {
		if err := task.Transition(domain.TaskHedging, e.now()); err != nil {
			execLog.WithField("task", task.ID).Errorf("收尾转移失败: %v", err)
			return
		}
	}
	if err := task.Transition(domain.TaskCompleted, e.now()); err != nil {
		execLog.WithField("task", task.ID).Errorf("完成转移失败: %v", err)
	}
}

// finishExternalCancel 外部撤单处理：已成交部分先对冲，再落终态
func (e *Executor) finishExternalCancel(ctx context.Context, task *domain.Task) {
	if task.UnhedgedQty() > qtyDust {
		if err := e.hedgeFilled(ctx, task); err != nil {
			return
		}
		if task.Status == domain.TaskHedging {
			if err := task.Transition(domain.TaskPartiallyFilled, e.now()); err != nil {
				execLog.WithField("task", task.ID).Warnf("外撤转移失败: %v", err)
			}
		}
	}
	task.FailReason = "入场单被外部取消"
	if err := task.Transition(domain.TaskCancelled, e.now()); err != nil {
		execLog.WithField("task", task.ID).Errorf("取消转移失败: %v", err)
		task.Fail(task.FailReason, e.now())
	}
}

// finishTimeoutCancel 超时/到期/保护退出路径：撤单、补查末笔成交、对冲已成交部分
// 清理动作不依赖任务上下文，到期后仍需把撤单和对冲跑完
func (e *Executor) finishTimeoutCancel(parent context.Context, task *domain.Task, cancelWatch fillwatcher.CancelFunc, reason string) {
	if cancelWatch != nil {
		cancelWatch()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 30*time.Second)
	defer cancel()
	if task.OrderHash != "" && task.Status != domain.TaskPaused {
		task.IsDepthAdjusting = true
		if err := e.entry.CancelOrder(ctx, task.OrderHash); err != nil {
			execLog.WithField("task", task.ID).Warnf("超时撤单失败: %v", err)
		}
		// 撤单与成交赛跑：以权威状态为准补记末笔成交
		if state, err := e.entry.OrderStatus(ctx, task.OrderHash); err == nil {
			if delta := state.FilledSize - task.PredictFilledQty; delta > qtyDust {
				if err := task.ApplyEntryFill(delta, e.now()); err != nil {
					execLog.WithField("task", task.ID).Errorf("补记成交失败: %v", err)
				}
			}
		}
		task.IsDepthAdjusting = false
	}

	if task.UnhedgedQty() > qtyDust {
		if task.Status == domain.TaskPredictSubmitted {
			if err := task.Transition(domain.TaskPartiallyFilled, e.now()); err != nil {
				execLog.WithField("task", task.ID).Warnf("超时转移失败: %v", err)
			}
		}
		if err := e.hedgeFilled(ctx, task); err != nil {
			return
		}
		if task.Status == domain.TaskHedging {
			if err := task.Transition(domain.TaskPartiallyFilled, e.now()); err != nil {
				execLog.WithField("task", task.ID).Warnf("超时转移失败: %v", err)
			}
		}
	}

	task.FailReason = reason
	if err := task.Transition(domain.TaskTimeoutCancelled, e.now()); err != nil {
		execLog.WithField("task", task.ID).Errorf("超时取消转移失败: %v", err)
		task.Fail(reason, e.now())
	}
}
