package executor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/betbot/crossarb/internal/domain"
	"github.com/betbot/crossarb/internal/fillwatcher"
	"github.com/betbot/crossarb/internal/notify"
	"github.com/betbot/crossarb/internal/venue"
)

// runClose 平仓任务：入场市场反向 taker 单吃掉裸露持仓
//
// 平仓没有对冲腿，走 校验 → 提交 → 成交 → 完成 的短路径；
// 买盘吃不下或未完全成交的部分继续裸露，保留人工介入标记。
func (e *Executor) runClose(ctx context.Context, task *domain.Task) {
	if err := task.Transition(domain.TaskValidating, e.now()); err != nil {
		task.Fail(err.Error(), e.now())
		return
	}

	book, err := e.quotes.Get(ctx, task.Pair.EntryMarketID)
	if err != nil {
		task.NeedsManual = true
		task.Fail(fmt.Sprintf("平仓行情不可用: %v", err), e.now())
		return
	}
	// 限价挂到吃掉全量需要的最深一档，数量压到买盘实际深度
	limit, exitVWAP, covered := closeDepth(book.Bids, task.RemainingQty)
	if covered <= qtyDust {
		task.NeedsManual = true
		task.Fail("平仓市场无买盘", e.now())
		return
	}

	req := &venue.OrderRequest{
		MarketID: task.Pair.EntryMarketID,
		Side:     task.Side.Opposite(),
		Price:    limit,
		Size:     covered,
	}
	ack, err := e.entry.PlaceOrder(ctx, req)
	if err != nil {
		task.NeedsManual = true
		task.Fail(fmt.Sprintf("平仓下单失败: %v", err), e.now())
		return
	}
	task.OrderHash = ack.OrderHash
	task.VenueOrderID = ack.VenueOrderID
	if err := task.Transition(domain.TaskPredictSubmitted, e.now()); err != nil {
		task.Fail(err.Error(), e.now())
		return
	}

	execLog.WithFields(logrus.Fields{
		"task":   task.ID,
		"market": task.Pair.EntryMarketID,
		"price":  limit.ToDecimal(),
		"size":   covered,
	}).Info("平仓单已挂出")

	u := e.awaitOrder(ctx, e.entry, ack.OrderHash, ack.VenueOrderID, covered, e.cfg.OrderTimeout(), nil)
	if u != nil && u.TotalFilled > qtyDust {
		if err := task.ApplyEntryFill(u.TotalFilled, e.now()); err != nil {
			execLog.WithField("task", task.ID).Errorf("平仓入账失败: %v", err)
		}
	}
	if u == nil || u.Kind != fillwatcher.UpdateFilled || task.RemainingQty > qtyDust {
		task.NeedsManual = true
		task.ErrorDetails = fmt.Sprintf("residual=%.4f entry=%.4f limit=%.4f",
			task.RemainingQty, task.EntryPrice.ToDecimal(), limit.ToDecimal())
		task.FailReason = "平仓未完全成交"
		if err := task.Transition(domain.TaskFailed, e.now()); err != nil {
			task.Fail(task.FailReason, e.now())
		}
		return
	}

	// 已实现损失 = (入场价 - 加权退出价) × 数量
	loss := (task.EntryPrice.ToDecimal() - exitVWAP.ToDecimal()) * covered
	if loss < 0 {
		loss = 0
	}
	task.UnwindLoss = loss

	e.finishCompleted(task)
	e.notify(notify.EventUnwind, task, "平仓完成",
		fmt.Sprintf("qty=%.2f exit=%.4f loss=%.4f", covered, exitVWAP.ToDecimal(), loss))
}
