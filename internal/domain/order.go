package domain

import "time"

// Order 订单领域模型
type Order struct {
	OrderHash    string      // 订单哈希（下单即知，全局唯一）
	VenueOrderID int64       // 交易所数字订单 ID（确认回执后才有，0 表示未知）
	MarketID     string      // 所属市场 ID
	Venue        VenueName   // 所属交易所
	Side         Side        // 订单方向
	Price        Price       // 订单限价
	Size         float64     // 订单原始数量
	FilledSize   float64     // 已成交数量（partial fill 累计）
	FilledPrice  *Price      // 实际成交均价（可选）
	TaskID       string      // 归属任务 ID
	CreatedAt    time.Time   // 创建时间
	FilledAt     *time.Time  // 全部成交时间（可选）
	CanceledAt   *time.Time  // 取消时间（可选）
	Status       OrderStatus // 订单状态
}

// OrderStatus 订单状态
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"  // 已提交，等待交易所确认
	OrderStatusOpen     OrderStatus = "open"     // 挂单中
	OrderStatusPartial  OrderStatus = "partial"  // 部分成交
	OrderStatusFilled   OrderStatus = "filled"   // 已全部成交
	OrderStatusCanceled OrderStatus = "canceled" // 已取消
	OrderStatusFailed   OrderStatus = "failed"   // 提交失败
)

// IsFilled 检查订单是否已全部成交
func (o *Order) IsFilled() bool {
	return o.Status == OrderStatusFilled
}

func (o *Order) IsPartiallyFilled() bool {
	return o.Status == OrderStatusPartial && o.FilledSize > 0 && o.FilledSize < o.Size
}

// RemainingSize 返回未成交数量
func (o *Order) RemainingSize() float64 {
	if o == nil {
		return 0
	}
	r := o.Size - o.FilledSize
	if r < 0 {
		return 0
	}
	return r
}

// IsFinalStatus 检查订单是否为最终状态（filled/canceled/failed）
// 最终状态不应该被中间状态（open/pending）覆盖
func (o *Order) IsFinalStatus() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCanceled || o.Status == OrderStatusFailed
}

// Matches 判断一条成交/取消事件是否属于本订单
// 订单哈希与交易所数字 ID 任一匹配即算命中：
// 推送事件可能只带哈希（提交期）或只带数字 ID（确认后）
func (o *Order) Matches(orderHash string, venueOrderID int64) bool {
	if o.OrderHash != "" && orderHash != "" && o.OrderHash == orderHash {
		return true
	}
	if o.VenueOrderID != 0 && venueOrderID != 0 && o.VenueOrderID == venueOrderID {
		return true
	}
	return false
}
