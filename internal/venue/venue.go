// Package venue 提供交易所接入层：REST 客户端与 WebSocket 推送流
package venue

import (
	"context"

	"github.com/betbot/crossarb/internal/domain"
)

// OrderRequest 下单请求
type OrderRequest struct {
	MarketID string
	Side     domain.Side
	Price    domain.Price
	Size     float64
	PostOnly bool // maker 单：若会立即成交则拒单
}

// OrderAck 下单回执
// OrderHash 提交即知；VenueOrderID 在交易所确认后才有（0 表示未知）
type OrderAck struct {
	OrderHash    string
	VenueOrderID int64
}

// OrderState 订单查询结果
type OrderState struct {
	OrderHash    string
	VenueOrderID int64
	Status       domain.OrderStatus
	FilledSize   float64
	AvgFillPrice domain.Price
}

// Client 交易所 REST 接口
type Client interface {
	// FetchOrderBook 拉取订单簿快照（轮询兜底路径）
	FetchOrderBook(ctx context.Context, marketID string) (*domain.BookSnapshot, error)
	// PlaceOrder 下单，返回订单哈希
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderAck, error)
	// CancelOrder 按哈希撤单
	CancelOrder(ctx context.Context, orderHash string) error
	// OrderStatus 查询订单状态（对账路径）
	OrderStatus(ctx context.Context, orderHash string) (*OrderState, error)
	// Name 返回交易所标识
	Name() domain.VenueName
}

// Stream 交易所 WebSocket 推送流
// 事件经边界解码后以带标签的联合类型投递，上层不再接触原始 JSON
type Stream interface {
	// Start 建立连接并开始读取
	Start(ctx context.Context) error
	// Stop 优雅关闭
	Stop()
	// SubscribeBooks 订阅市场的订单簿推送（分批发送）
	SubscribeBooks(marketIDs ...string) error
	// SubscribeOrders 订阅本账户的订单事件
	SubscribeOrders() error
	// Events 返回解码后的事件通道
	Events() <-chan Event
	// Errors 返回错误通道
	Errors() <-chan error
}
