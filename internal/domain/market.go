package domain

// Side 订单方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回相反方向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// VenueName 交易所标识
type VenueName string

const (
	VenueEntry VenueName = "entry" // 入场腿所在交易所（maker）
	VenueHedge VenueName = "hedge" // 对冲腿所在交易所（taker）
)

// Pair 跨所套利市场对
//
// 入场腿在 EntryMarketID 挂 maker 单，成交后立刻在 HedgeMarketID
// 以 taker 吃掉等量对冲。Inverted 表示两所 YES/NO 语义互反，
// 此时对冲价需用互补价换算。
type Pair struct {
	EntryMarketID string  // 入场市场 ID
	HedgeMarketID string  // 对冲市场 ID
	FeeRate       float64 // 综合吃单费率（小数）
	TickSize      float64 // 入场市场最小价格单位
	Inverted      bool    // 两所结果语义是否互反
}

// IsValid 验证市场对配置是否完整
func (p *Pair) IsValid() bool {
	return p.EntryMarketID != "" && p.HedgeMarketID != "" && p.TickSize > 0
}

// HedgePriceFor 根据入场价换算对冲腿的等价限价
// 语义互反时取互补价，否则同价
func (p *Pair) HedgePriceFor(entry Price) Price {
	if p.Inverted {
		return entry.Complement()
	}
	return entry
}
