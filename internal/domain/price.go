package domain

import "math"

// Price 价格值对象（固定精度：1e-4）
//
// 预测市场的 tick size 可能为 0.1 / 0.01 / 0.001 / 0.0001。
// 为了让执行层不丢精度，这里使用 1e-4 作为内部最小单位（pips）：
//   - 1 pip  = 0.0001
//   - 100 pips = 0.01（1 cent）
//   - 10000 pips = 1.0
type Price struct {
	// Pips: 价格 * 10000（范围通常 1..9999）
	Pips int
}

// ToDecimal 转换为小数（例如 6000 pips = 0.6000）
func (p Price) ToDecimal() float64 {
	return float64(p.Pips) / 10000.0
}

// ToCents 返回“分（0.01）口径”的整数（用于阈值/日志展示）
func (p Price) ToCents() int {
	return int(math.Round(float64(p.Pips) / 100.0))
}

// PriceFromDecimal 从小数创建价格（四舍五入到 1e-4）
func PriceFromDecimal(decimal float64) Price {
	return Price{
		Pips: int(math.Round(decimal * 10000)),
	}
}

// Complement 返回互补价格（1 - p），用于反向市场换算
// 两所 YES/NO 语义互反时，对侧的等价报价即为互补价
func (p Price) Complement() Price {
	return Price{Pips: 10000 - p.Pips}
}

// Add 价格相加
func (p Price) Add(other Price) Price {
	return Price{Pips: p.Pips + other.Pips}
}

// Subtract 价格相减
func (p Price) Subtract(other Price) Price {
	return Price{Pips: p.Pips - other.Pips}
}

// GreaterThan 检查是否大于
func (p Price) GreaterThan(other Price) bool {
	return p.Pips > other.Pips
}

// LessThan 检查是否小于
func (p Price) LessThan(other Price) bool {
	return p.Pips < other.Pips
}

// GreaterThanOrEqual 检查是否大于等于
func (p Price) GreaterThanOrEqual(other Price) bool {
	return p.Pips >= other.Pips
}

// LessThanOrEqual 检查是否小于等于
func (p Price) LessThanOrEqual(other Price) bool {
	return p.Pips <= other.Pips
}

// IsZero 检查是否为零价
func (p Price) IsZero() bool {
	return p.Pips == 0
}

// SnapToTick 按 tick size 向下对齐（tickSize 为小数，例如 0.001）
func (p Price) SnapToTick(tickSize float64) Price {
	tickPips := int(math.Round(tickSize * 10000))
	if tickPips <= 0 {
		return p
	}
	return Price{Pips: (p.Pips / tickPips) * tickPips}
}
