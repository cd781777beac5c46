package executor

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/crossarb/internal/domain"
	"github.com/betbot/crossarb/internal/fillwatcher"
	"github.com/betbot/crossarb/internal/notify"
	"github.com/betbot/crossarb/internal/venue"
)

// hedgeFilled 对冲当前全部未对冲数量，阻塞直到对冲完成或进入失败分支
//
// 成功返回 nil 且任务停在 HEDGING，由调用方决定后续转移；
// 失败分支（重试耗尽/平仓/人工介入）内部落终态并返回错误。
func (e *Executor) hedgeFilled(ctx context.Context, task *domain.Task) error {
	if task.UnhedgedQty() <= qtyDust {
		return nil
	}
	if task.Status != domain.TaskHedging {
		if err := task.Transition(domain.TaskHedging, e.now()); err != nil {
			e.markHedgeFailed(task, fmt.Sprintf("对冲转移失败: %v", err))
			return err
		}
	}

	for task.UnhedgedQty() > qtyDust {
		qty := task.UnhedgedQty()
		book, err := e.hedgeView(ctx, task)
		if err != nil {
			if ferr := e.hedgeFailure(ctx, task, fmt.Sprintf("对冲行情不可用: %v", err)); ferr != nil {
				return ferr
			}
			continue
		}
		ask, ok := book.BestAsk()
		if !ok {
			if ferr := e.hedgeFailure(ctx, task, "对冲市场无卖盘"); ferr != nil {
				return ferr
			}
			continue
		}

		// 现价超限：不按亏损价成交，进入等待回归窗口
		if ask.Price.GreaterThan(task.HedgePrice) {
			recovered, err := e.waitLossHedge(ctx, task)
			if err != nil {
				return err
			}
			if !recovered {
				return e.unwind(ctx, task)
			}
			continue
		}

		// 单档够吃按卖一价提交；需要走多档时按全量加权均价判限，
		// 均价仍在限价内则直接挂限价越档成交，超限时只吃限价内的深度
		execPrice := ask.Price
		if ask.Size+qtyDust < qty {
			execPrice = task.HedgePrice
			if vwap, ok := book.VWAPWithin(qty); !ok || vwap.GreaterThan(task.HedgePrice) {
				if d := book.DepthWithin(task.HedgePrice); d < qty {
					qty = d
				}
			}
		}

		if err := e.placeAndAwaitHedge(ctx, task, execPrice, qty); err != nil {
			if ferr := e.hedgeFailure(ctx, task, err.Error()); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

// placeAndAwaitHedge 提交一笔 taker 对冲单并等待终态
func (e *Executor) placeAndAwaitHedge(ctx context.Context, task *domain.Task, price domain.Price, qty float64) error {
	req := &venue.OrderRequest{
		MarketID: task.Pair.HedgeMarketID,
		Side:     domain.SideBuy,
		Price:    e.hedgeWirePrice(task, price),
		Size:     qty,
	}
	ack, err := e.hedge.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("对冲下单失败: %v", err)
	}
	task.HedgeHash = ack.OrderHash

	execLog.WithFields(logrus.Fields{
		"task":   task.ID,
		"market": task.Pair.HedgeMarketID,
		"price":  price.ToDecimal(),
		"size":   qty,
	}).Info("对冲单已提交")

	u := e.awaitOrder(ctx, e.hedge, ack.OrderHash, ack.VenueOrderID, qty, e.cfg.OrderTimeout(), nil)
	if u == nil {
		return fmt.Errorf("对冲单状态未知: hash=%s", ack.OrderHash)
	}
	if u.TotalFilled > qtyDust {
		if err := task.ApplyHedgeFill(u.TotalFilled, e.now()); err != nil {
			execLog.WithField("task", task.ID).Errorf("对冲入账失败: %v", err)
		}
	}
	if u.Kind != fillwatcher.UpdateFilled {
		return fmt.Errorf("对冲单未完全成交: kind=%s filled=%.4f/%.4f", u.Kind, u.TotalFilled, qty)
	}
	return nil
}

// hedgeWirePrice 把统一视角的对冲价折回交易所原生报价
func (e *Executor) hedgeWirePrice(task *domain.Task, p domain.Price) domain.Price {
	if task.Pair.Inverted {
		return p.Complement()
	}
	return p
}

// hedgeFailure 一次对冲失败：计数、退避、到点重试；耗尽则落 HEDGE_FAILED
// 返回 nil 表示可以重试，非 nil 表示任务已落终态
func (e *Executor) hedgeFailure(ctx context.Context, task *domain.Task, reason string) error {
	execLog.WithFields(logrus.Fields{"task": task.ID, "attempt": task.HedgeRetryCount + 1}).Warn(reason)

	if err := task.EnterHedgePending(e.now()); err != nil {
		e.markHedgeFailed(task, reason)
		return errors.New(reason)
	}
	if task.HedgeRetryCount >= e.cfg.MaxHedgeRetries {
		if err := task.Transition(domain.TaskHedgeRetry, e.now()); err != nil {
			execLog.WithField("task", task.ID).Warnf("重试转移失败: %v", err)
		}
		e.markHedgeFailed(task, fmt.Sprintf("对冲重试耗尽(%d次): %s", task.HedgeRetryCount, reason))
		return errors.Errorf("对冲重试耗尽: %s", reason)
	}

	if err := e.sleepUntil(ctx, task.NextRetryAt); err != nil {
		e.markHedgeFailed(task, fmt.Sprintf("等待重试时任务中止: %s", reason))
		return err
	}
	if err := task.Transition(domain.TaskHedgeRetry, e.now()); err != nil {
		e.markHedgeFailed(task, err.Error())
		return err
	}
	if err := task.Transition(domain.TaskHedging, e.now()); err != nil {
		e.markHedgeFailed(task, err.Error())
		return err
	}
	return nil
}

// waitLossHedge 等待对冲价回归限价以内
// 回归返回 true；窗口耗尽返回 false（任务已转入 UNWIND_PENDING）；中止返回错误
func (e *Executor) waitLossHedge(ctx context.Context, task *domain.Task) (bool, error) {
	if err := task.EnterLossHedge(e.now()); err != nil {
		e.markHedgeFailed(task, err.Error())
		return false, err
	}
	e.notify(notify.EventPriceGuard, task, "对冲价超限",
		fmt.Sprintf("limit=%d¢, 等待价格回归", task.HedgePrice.ToCents()))

	for {
		if task.LossHedgeExpired(e.cfg.LossHedgeWait(), e.now()) {
			if err := task.Transition(domain.TaskUnwindPending, e.now()); err != nil {
				e.markHedgeFailed(task, err.Error())
				return false, err
			}
			return false, nil
		}
		if err := e.sleepUntil(ctx, e.now().Add(e.cfg.GuardInterval())); err != nil {
			e.markHedgeFailed(task, "等待价格回归时任务中止")
			return false, err
		}

		book, err := e.hedgeViewSync(task)
		if err != nil || book == nil {
			continue
		}
		ask, ok := book.BestAsk()
		if !ok {
			continue
		}
		if ask.Price.LessThanOrEqual(task.HedgePrice) {
			if err := task.Transition(domain.TaskHedging, e.now()); err != nil {
				e.markHedgeFailed(task, err.Error())
				return false, err
			}
			return true, nil
		}
	}
}

// unwind 止损退出：先吃对冲腿深档里仍不亏的部分，真正砍仓的
// 只有按入场成本对任何档位都覆盖不住的数量
func (e *Executor) unwind(ctx context.Context, task *domain.Task) error {
	// 深档复核：把持仓按入场成本摆在一侧，对着对冲卖盘逐档推进，
	// 单位利润仍为正的部分贵一点也先对冲掉
	if book, err := e.hedgeView(ctx, task); err == nil {
		held := []domain.BookLevel{{Price: task.EntryPrice, Size: task.UnhedgedQty()}}
		if res := AnalyzeDepth(held, book.Asks, task.Pair.FeeRate, 0); res.MaxSize > qtyDust {
			execLog.WithFields(logrus.Fields{
				"task": task.ID, "size": res.MaxSize, "price": res.Breakeven.ToDecimal(),
			}).Info("深档部分对冲")
			if err := e.placeAndAwaitHedge(ctx, task, res.Breakeven, res.MaxSize); err != nil {
				execLog.WithField("task", task.ID).Warnf("深档对冲失败: %v", err)
			}
		}
	}

	if task.UnhedgedQty() <= qtyDust {
		// 深档吃完已齐平，无需砍仓
		if err := task.Transition(domain.TaskHedging, e.now()); err != nil {
			e.markHedgeFailed(task, err.Error())
			return err
		}
		return nil
	}

	if err := task.Transition(domain.TaskUnwinding, e.now()); err != nil {
		e.markHedgeFailed(task, err.Error())
		return err
	}

	qty := task.UnhedgedQty()
	book, err := e.quotes.Get(ctx, task.Pair.EntryMarketID)
	if err != nil {
		e.markHedgeFailed(task, fmt.Sprintf("平仓行情不可用: %v", err))
		return err
	}
	// 按买盘深度定限价和数量：限价挂到吃掉 qty 需要的最深一档
	limit, exitVWAP, covered := closeDepth(book.Bids, qty)
	if covered <= qtyDust {
		e.markHedgeFailed(task, "平仓市场无买盘")
		return errors.New("平仓市场无买盘")
	}

	req := &venue.OrderRequest{
		MarketID: task.Pair.EntryMarketID,
		Side:     task.Side.Opposite(),
		Price:    limit,
		Size:     covered,
	}
	ack, err := e.entry.PlaceOrder(ctx, req)
	if err != nil {
		e.markHedgeFailed(task, fmt.Sprintf("平仓下单失败: %v", err))
		return err
	}

	u := e.awaitOrder(ctx, e.entry, ack.OrderHash, ack.VenueOrderID, covered, e.cfg.OrderTimeout(), nil)
	if u == nil || u.Kind != fillwatcher.UpdateFilled {
		e.markHedgeFailed(task, fmt.Sprintf("平仓单未完全成交: hash=%s", ack.OrderHash))
		return errors.New("平仓未完成")
	}

	// 已实现损失 = (入场价 - 加权退出价) × 数量
	loss := (task.EntryPrice.ToDecimal() - exitVWAP.ToDecimal()) * covered
	if loss < 0 {
		loss = 0
	}
	task.UnwindLoss = loss

	if covered+qtyDust < qty {
		// 买盘吃不下的残量仍然裸露
		e.markHedgeFailed(task, fmt.Sprintf("买盘深度不足，残余裸露 %.4f", qty-covered))
		return errors.New("平仓深度不足")
	}

	if err := task.Transition(domain.TaskUnwindCompleted, e.now()); err != nil {
		e.markHedgeFailed(task, err.Error())
		return err
	}
	e.notify(notify.EventUnwind, task, "止损平仓完成",
		fmt.Sprintf("qty=%.2f exit=%.4f loss=%.4f", covered, exitVWAP.ToDecimal(), loss))

	task.FailReason = "对冲失败，已止损平仓退出"
	if err := task.Transition(domain.TaskFailed, e.now()); err != nil {
		task.Fail(task.FailReason, e.now())
	}
	return errors.Errorf("任务止损退出: loss=%.4f", loss)
}

// markHedgeFailed 裸露持仓兜底：记录上下文、标记人工介入、落终态
func (e *Executor) markHedgeFailed(task *domain.Task, reason string) {
	task.NeedsManual = true
	task.ErrorDetails = fmt.Sprintf("unhedged=%.4f entry=%.4f limit=%.4f retries=%d last_error=%s",
		task.UnhedgedQty(), task.EntryPrice.ToDecimal(), task.HedgePrice.ToDecimal(),
		task.HedgeRetryCount, reason)

	if task.Status != domain.TaskHedgeFailed {
		if err := task.Transition(domain.TaskHedgeFailed, e.now()); err != nil {
			execLog.WithField("task", task.ID).Warnf("对冲失败转移失败: %v", err)
		}
	}

	execLog.WithFields(logrus.Fields{
		"task":     task.ID,
		"unhedged": task.UnhedgedQty(),
	}).Error("对冲失败，裸露持仓需人工介入: " + reason)

	task.FailReason = reason
	if err := task.Transition(domain.TaskFailed, e.now()); err != nil {
		task.Fail(reason, e.now())
	}
}
