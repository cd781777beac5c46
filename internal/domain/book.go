package domain

import (
	"time"

	"github.com/pkg/errors"
)

// BookLevel 订单簿单档
type BookLevel struct {
	Price Price
	Size  float64
}

// BookSource 快照来源
type BookSource string

const (
	BookSourcePush BookSource = "push" // 实时推送
	BookSourcePoll BookSource = "poll" // REST 轮询
)

// BookSnapshot 订单簿快照
//
// 不变式：
//   - Bids 按价格严格降序
//   - Asks 按价格严格升序
//   - BestBid < BestAsk（存在交叉即视为坏数据，整张快照丢弃）
type BookSnapshot struct {
	MarketID  string
	Bids      []BookLevel
	Asks      []BookLevel
	Seq       int64      // 推送序列号（轮询快照为 0）
	Source    BookSource // 来源标签
	UpdatedAt time.Time  // 快照写入本地的时间，新鲜度以此为准
}

// BestBid 返回买一档，不存在时返回 false
func (b *BookSnapshot) BestBid() (BookLevel, bool) {
	if len(b.Bids) == 0 {
		return BookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk 返回卖一档，不存在时返回 false
func (b *BookSnapshot) BestAsk() (BookLevel, bool) {
	if len(b.Asks) == 0 {
		return BookLevel{}, false
	}
	return b.Asks[0], true
}

// IsFresh 判断快照在给定 TTL 内是否仍然新鲜
func (b *BookSnapshot) IsFresh(ttl time.Duration, now time.Time) bool {
	return b.Age(now) <= ttl
}

// Age 返回快照年龄
func (b *BookSnapshot) Age(now time.Time) time.Duration {
	return now.Sub(b.UpdatedAt)
}

// Validate 校验订单簿结构不变式
// 空簿（双边皆空）是合法的，表示市场无挂单
func (b *BookSnapshot) Validate() error {
	for i := 1; i < len(b.Bids); i++ {
		if !b.Bids[i].Price.LessThan(b.Bids[i-1].Price) {
			return errors.Errorf("bids 非严格降序: [%d]=%d >= [%d]=%d",
				i, b.Bids[i].Price.Pips, i-1, b.Bids[i-1].Price.Pips)
		}
	}
	for i := 1; i < len(b.Asks); i++ {
		if !b.Asks[i].Price.GreaterThan(b.Asks[i-1].Price) {
			return errors.Errorf("asks 非严格升序: [%d]=%d <= [%d]=%d",
				i, b.Asks[i].Price.Pips, i-1, b.Asks[i-1].Price.Pips)
		}
	}
	bid, hasBid := b.BestBid()
	ask, hasAsk := b.BestAsk()
	if hasBid && hasAsk && bid.Price.GreaterThanOrEqual(ask.Price) {
		return errors.Errorf("订单簿交叉: bid=%d >= ask=%d", bid.Price.Pips, ask.Price.Pips)
	}
	return nil
}

// DepthWithin 统计卖侧在限价（含）以内的可吃数量
// 多档累加，用于吃单腿的深度检查
func (b *BookSnapshot) DepthWithin(limit Price) float64 {
	var total float64
	for _, lv := range b.Asks {
		if lv.Price.GreaterThan(limit) {
			break
		}
		total += lv.Size
	}
	return total
}

// VWAPWithin 计算吃掉 qty 数量所需的加权均价（卖侧，多档推进）
// 深度不足时返回 false
func (b *BookSnapshot) VWAPWithin(qty float64) (Price, bool) {
	if qty <= 0 {
		return Price{}, false
	}
	var cost float64
	remaining := qty
	for _, lv := range b.Asks {
		take := lv.Size
		if take > remaining {
			take = remaining
		}
		cost += take * lv.Price.ToDecimal()
		remaining -= take
		if remaining <= 0 {
			return PriceFromDecimal(cost / qty), true
		}
	}
	return Price{}, false
}

// Inverted 返回反向视角的快照：对侧 YES 的买即本侧 NO 的卖
// 两所语义互反时，用互补价重建另一侧视角
func (b *BookSnapshot) Inverted() *BookSnapshot {
	inv := &BookSnapshot{
		MarketID:  b.MarketID,
		Seq:       b.Seq,
		Source:    b.Source,
		UpdatedAt: b.UpdatedAt,
	}
	// 对侧 bids（降序）取互补后变为本侧 asks（升序），反之亦然
	inv.Asks = make([]BookLevel, len(b.Bids))
	for i, lv := range b.Bids {
		inv.Asks[i] = BookLevel{Price: lv.Price.Complement(), Size: lv.Size}
	}
	inv.Bids = make([]BookLevel, len(b.Asks))
	for i, lv := range b.Asks {
		inv.Bids[i] = BookLevel{Price: lv.Price.Complement(), Size: lv.Size}
	}
	return inv
}
