package executor

import (
	"math"

	"github.com/betbot/crossarb/internal/domain"
)

// 套利经济性计算。
//
// 核心关系：两腿各买一侧（语义互反时买同侧等价），到期必有一腿赔付 1。
// 因此开仓有利可图的条件是：
//
//	entryPrice + hedgePrice + fee < 1 - minProfitBuffer
//
// fee 只在 taker 腿产生（maker 腿零费率）。

// profitAt 返回给定两腿价格下的单位利润
func profitAt(entry, hedge domain.Price, feeRate float64) float64 {
	fee := hedge.ToDecimal() * feeRate
	return 1.0 - entry.ToDecimal() - hedge.ToDecimal() - fee
}

// isProfitable 检查两腿价格是否满足最小利润缓冲
func isProfitable(entry, hedge domain.Price, feeRate, minBuffer float64) bool {
	return profitAt(entry, hedge, feeRate) > minBuffer
}

// makerEntryPrice 计算 maker 入场价：贴着买一挂单，落在 tick 网格上
// 无买盘时从卖一退一个 tick
func makerEntryPrice(book *domain.BookSnapshot, tickSize float64) (domain.Price, bool) {
	if bid, ok := book.BestBid(); ok {
		return bid.Price.SnapToTick(tickSize), true
	}
	if ask, ok := book.BestAsk(); ok {
		p := ask.Price.Subtract(domain.PriceFromDecimal(tickSize)).SnapToTick(tickSize)
		if p.Pips > 0 {
			return p, true
		}
	}
	return domain.Price{}, false
}

// takerEntryPrice 计算 taker 入场价：直接吃卖一
func takerEntryPrice(book *domain.BookSnapshot) (domain.Price, bool) {
	ask, ok := book.BestAsk()
	if !ok {
		return domain.Price{}, false
	}
	return ask.Price, true
}

// maxHedgePrice 给定入场价，反解对冲腿可接受的最高限价
// 对冲价超过该值时单位利润跌破缓冲
func maxHedgePrice(entry domain.Price, feeRate, minBuffer float64) domain.Price {
	// entry + h + h*fee < 1 - buffer  =>  h < (1 - buffer - entry) / (1 + fee)
	limit := (1.0 - minBuffer - entry.ToDecimal()) / (1.0 + feeRate)
	if limit <= 0 {
		return domain.Price{}
	}
	return domain.PriceFromDecimal(limit)
}

// DepthResult 多档深度分析结果
type DepthResult struct {
	MaxSize   float64      // 保持单位利润为正的最大可成交数量
	Breakeven domain.Price // 对冲腿的盈亏平衡价
	AvgEntry  domain.Price // 入场腿加权均价
	AvgHedge  domain.Price // 对冲腿加权均价
}

// AnalyzeDepth 双腿多档深度分析
//
// 按价格顺序同步推进两腿的卖侧档位，累加在单位利润仍为正时
// 可成交的数量。用于平仓/撤退决策：部分平掉值不值得做。
func AnalyzeDepth(entryAsks, hedgeAsks []domain.BookLevel, feeRate, minBuffer float64) DepthResult {
	res := DepthResult{}
	if len(entryAsks) == 0 || len(hedgeAsks) == 0 {
		return res
	}

	var (
		ei, hi       int
		eUsed, hUsed float64
		entryCost    float64
		hedgeCost    float64
	)
	for ei < len(entryAsks) && hi < len(hedgeAsks) {
		ep := entryAsks[ei].Price
		hp := hedgeAsks[hi].Price
		if profitAt(ep, hp, feeRate) <= minBuffer {
			break
		}

		eAvail := entryAsks[ei].Size - eUsed
		hAvail := hedgeAsks[hi].Size - hUsed
		step := math.Min(eAvail, hAvail)

		res.MaxSize += step
		res.Breakeven = hp
		entryCost += step * ep.ToDecimal()
		hedgeCost += step * hp.ToDecimal()

		eUsed += step
		hUsed += step
		if eUsed >= entryAsks[ei].Size {
			ei++
			eUsed = 0
		}
		if hUsed >= hedgeAsks[hi].Size {
			hi++
			hUsed = 0
		}
	}

	if res.MaxSize > 0 {
		res.AvgEntry = domain.PriceFromDecimal(entryCost / res.MaxSize)
		res.AvgHedge = domain.PriceFromDecimal(hedgeCost / res.MaxSize)
	}
	return res
}

// EvaluateOpportunity 扫描路径的轻量预检：按策略定入场价，与对冲吃单价
// 核对是否仍有利润空间。通过后由执行器在校验阶段做完整复核。
func EvaluateOpportunity(entryBook, hedgeBook *domain.BookSnapshot, pair domain.Pair,
	strategy domain.Strategy, minBuffer float64) (domain.Price, bool) {

	if entryBook == nil || hedgeBook == nil {
		return domain.Price{}, false
	}
	if pair.Inverted {
		hedgeBook = hedgeBook.Inverted()
	}
	var (
		entry domain.Price
		ok    bool
	)
	if strategy == domain.StrategyTaker {
		entry, ok = takerEntryPrice(entryBook)
	} else {
		entry, ok = makerEntryPrice(entryBook, pair.TickSize)
	}
	if !ok {
		return domain.Price{}, false
	}
	ask, ok := hedgeBook.BestAsk()
	if !ok {
		return domain.Price{}, false
	}
	if !isProfitable(entry, ask.Price, pair.FeeRate, minBuffer) {
		return domain.Price{}, false
	}
	return entry, true
}

// closeDepth 买侧多档吸收分析：吃掉 qty 需要走多深
//
// 返回最深一档的价格（作为平仓限价）、按档位加权的均价以及
// 盘口实际能吸收的数量。covered < qty 表示买盘不够深。
func closeDepth(bids []domain.BookLevel, qty float64) (limit, vwap domain.Price, covered float64) {
	if qty <= 0 {
		return domain.Price{}, domain.Price{}, 0
	}
	var cost float64
	for _, lvl := range bids {
		step := math.Min(lvl.Size, qty-covered)
		if step <= 0 {
			break
		}
		covered += step
		cost += step * lvl.Price.ToDecimal()
		limit = lvl.Price
		if covered >= qty {
			break
		}
	}
	if covered > 0 {
		vwap = domain.PriceFromDecimal(cost / covered)
	}
	return limit, vwap, covered
}

// sizeForOpen 计算开仓数量
// 受三个约束：请求量、对冲腿限价内深度、两所最小下单金额
func sizeForOpen(requested float64, hedgeBook *domain.BookSnapshot, hedgeLimit domain.Price,
	entry domain.Price, entryMinNotional, hedgeMinNotional float64) float64 {

	size := math.Min(requested, hedgeBook.DepthWithin(hedgeLimit))
	if size <= 0 {
		return 0
	}
	if entry.ToDecimal()*size < entryMinNotional {
		return 0
	}
	if hedgeLimit.ToDecimal()*size < hedgeMinNotional {
		return 0
	}
	return size
}
