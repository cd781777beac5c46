package main

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/betbot/crossarb/internal/domain"
	"github.com/betbot/crossarb/internal/pairing"
	"github.com/betbot/crossarb/internal/venue"
)

// venueRouter 把按市场 ID 的请求路由到市场所属的交易所通道
//
// 同时充当行情缓存的拉取/订阅数据源和成交监听器的状态轮询器；
// 订单哈希不带归属信息，状态轮询逐所尝试，以先应答者为准。
type venueRouter struct {
	clientByMarket map[string]venue.Client

	mu      sync.RWMutex
	streams map[domain.VenueName]venue.Stream
	venueBy map[string]domain.VenueName

	clients []venue.Client
}

func newVenueRouter(provider pairing.Provider, entry, hedge venue.Client) *venueRouter {
	r := &venueRouter{
		clientByMarket: make(map[string]venue.Client),
		streams:        make(map[domain.VenueName]venue.Stream),
		venueBy:        make(map[string]domain.VenueName),
		clients:        []venue.Client{entry, hedge},
	}
	for _, p := range provider.Pairs() {
		r.clientByMarket[p.EntryMarketID] = entry
		r.venueBy[p.EntryMarketID] = domain.VenueEntry
		r.clientByMarket[p.HedgeMarketID] = hedge
		r.venueBy[p.HedgeMarketID] = domain.VenueHedge
	}
	return r
}

func (r *venueRouter) attachStream(name domain.VenueName, s venue.Stream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[name] = s
}

// FetchOrderBook 轮询路径：按市场归属走对应交易所的 REST
func (r *venueRouter) FetchOrderBook(ctx context.Context, marketID string) (*domain.BookSnapshot, error) {
	c, ok := r.clientByMarket[marketID]
	if !ok {
		return nil, errors.Errorf("未知市场: %s", marketID)
	}
	return c.FetchOrderBook(ctx, marketID)
}

// SubscribeBooks 按市场归属分组后投递给对应的推送通道
func (r *venueRouter) SubscribeBooks(marketIDs ...string) error {
	grouped := make(map[domain.VenueName][]string)
	for _, id := range marketIDs {
		name, ok := r.venueBy[id]
		if !ok {
			return errors.Errorf("未知市场: %s", id)
		}
		grouped[name] = append(grouped[name], id)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, ids := range grouped {
		s, ok := r.streams[name]
		if !ok {
			// 推送未启用时订阅为空操作，轮询兜底仍然可用
			continue
		}
		if err := s.SubscribeBooks(ids...); err != nil {
			return err
		}
	}
	return nil
}

// OrderStatus 重连对账路径：逐所查询，先应答者为准
func (r *venueRouter) OrderStatus(ctx context.Context, orderHash string) (*venue.OrderState, error) {
	var lastErr error
	for _, c := range r.clients {
		state, err := c.OrderStatus(ctx, orderHash)
		if err == nil {
			return state, nil
		}
		lastErr = err
	}
	return nil, errors.Wrap(lastErr, "订单状态查询失败")
}
