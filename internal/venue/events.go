package venue

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/betbot/crossarb/internal/domain"
)

// Event 推送事件联合类型
// 所有变体在传输边界解码完成，上层代码只做类型开关，不接触原始 JSON
type Event interface {
	isEvent()
}

// BookEvent 订单簿全量快照
type BookEvent struct {
	Venue domain.VenueName
	Book  *domain.BookSnapshot
}

// TopOfBookEvent 买一/卖一变动（增量）
type TopOfBookEvent struct {
	Venue    domain.VenueName
	MarketID string
	BestBid  domain.Price
	BestAsk  domain.Price
	At       time.Time
}

// FillEvent 本账户订单成交
type FillEvent struct {
	Venue        domain.VenueName
	OrderHash    string
	VenueOrderID int64
	MarketID     string
	Side         domain.Side
	Price        domain.Price
	Size         float64
	IsFinal      bool // 订单是否因本笔成交而全部完成
	At           time.Time
}

// CancelEvent 本账户订单取消
type CancelEvent struct {
	Venue        domain.VenueName
	OrderHash    string
	VenueOrderID int64
	MarketID     string
	At           time.Time
}

// ReconnectedEvent 推送通道重连完成（已重新订阅）
// 监听方收到后应触发一次对账轮询，补齐断线期间丢失的事件
type ReconnectedEvent struct {
	Venue domain.VenueName
	At    time.Time
}

func (BookEvent) isEvent()        {}
func (TopOfBookEvent) isEvent()   {}
func (FillEvent) isEvent()        {}
func (CancelEvent) isEvent()      {}
func (ReconnectedEvent) isEvent() {}

// DecodeEvents 将一帧原始消息解码为事件列表
// 兼容单对象与数组两种外层格式；无法识别的消息返回错误
func DecodeEvents(venueName domain.VenueName, data []byte) ([]Event, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if data[0] == '[' {
		var raws []json.RawMessage
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, errors.Wrap(err, "解析消息数组失败")
		}
		events := make([]Event, 0, len(raws))
		for _, raw := range raws {
			ev, err := decodeOne(venueName, raw)
			if err != nil {
				return nil, err
			}
			if ev != nil {
				events = append(events, ev)
			}
		}
		return events, nil
	}

	ev, err := decodeOne(venueName, data)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, nil
	}
	return []Event{ev}, nil
}

func decodeOne(venueName domain.VenueName, data []byte) (Event, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrapf(err, "解析消息失败: %.100s", string(data))
	}

	eventType, _ := m["event_type"].(string)
	if eventType == "" {
		// 无标签时按字段推断：有 bids/asks 视为订单簿
		if _, hasBids := m["bids"]; hasBids {
			eventType = "book"
		} else {
			return nil, errors.Errorf("消息缺少 event_type: %.100s", string(data))
		}
	}

	switch eventType {
	case "book":
		return decodeBook(venueName, m)
	case "price_change":
		return decodeTopOfBook(venueName, m)
	case "trade", "fill":
		return decodeFill(venueName, m)
	case "cancellation", "cancel":
		return decodeCancel(venueName, m)
	case "tick_size_change", "subscribed":
		// 已知但无需处理的事件
		return nil, nil
	}
	return nil, errors.Errorf("未知事件类型: %s", eventType)
}

func decodeBook(venueName domain.VenueName, m map[string]interface{}) (Event, error) {
	marketID := strField(m, "market", "asset_id", "market_id")
	if marketID == "" {
		return nil, errors.New("book 事件缺少市场 ID")
	}

	bids, err := decodeLevels(m["bids"])
	if err != nil {
		return nil, errors.Wrap(err, "解析 bids 失败")
	}
	asks, err := decodeLevels(m["asks"])
	if err != nil {
		return nil, errors.Wrap(err, "解析 asks 失败")
	}

	// 部分交易所不保证推送已排序
	sort.Slice(bids, func(i, j int) bool { return bids[i].Price.GreaterThan(bids[j].Price) })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price.LessThan(asks[j].Price) })

	book := &domain.BookSnapshot{
		MarketID:  marketID,
		Bids:      bids,
		Asks:      asks,
		Seq:       intField(m, "seq", "sequence"),
		Source:    domain.BookSourcePush,
		UpdatedAt: timeField(m),
	}
	if err := book.Validate(); err != nil {
		return nil, errors.Wrap(err, "订单簿快照非法")
	}
	return BookEvent{Venue: venueName, Book: book}, nil
}

func decodeTopOfBook(venueName domain.VenueName, m map[string]interface{}) (Event, error) {
	marketID := strField(m, "market", "asset_id", "market_id")
	if marketID == "" {
		return nil, errors.New("price_change 事件缺少市场 ID")
	}
	bid, err := priceField(m, "best_bid")
	if err != nil {
		return nil, err
	}
	ask, err := priceField(m, "best_ask")
	if err != nil {
		return nil, err
	}
	return TopOfBookEvent{
		Venue:    venueName,
		MarketID: marketID,
		BestBid:  bid,
		BestAsk:  ask,
		At:       timeField(m),
	}, nil
}

func decodeFill(venueName domain.VenueName, m map[string]interface{}) (Event, error) {
	size, err := decimalField(m, "size", "filled_size", "quantity")
	if err != nil {
		return nil, errors.Wrap(err, "解析成交数量失败")
	}
	price, err := priceField(m, "price")
	if err != nil {
		return nil, errors.Wrap(err, "解析成交价格失败")
	}
	status, _ := m["status"].(string)
	side := domain.SideBuy
	if s, _ := m["side"].(string); s == "SELL" || s == "sell" {
		side = domain.SideSell
	}
	return FillEvent{
		Venue:        venueName,
		OrderHash:    strField(m, "order_hash", "hash", "order_id"),
		VenueOrderID: intField(m, "venue_order_id", "exchange_order_id", "oid"),
		MarketID:     strField(m, "market", "asset_id", "market_id"),
		Side:         side,
		Price:        price,
		Size:         size,
		IsFinal:      status == "matched" || status == "filled",
		At:           timeField(m),
	}, nil
}

func decodeCancel(venueName domain.VenueName, m map[string]interface{}) (Event, error) {
	hash := strField(m, "order_hash", "hash", "order_id")
	oid := intField(m, "venue_order_id", "exchange_order_id", "oid")
	if hash == "" && oid == 0 {
		return nil, errors.New("cancel 事件缺少订单标识")
	}
	return CancelEvent{
		Venue:        venueName,
		OrderHash:    hash,
		VenueOrderID: oid,
		MarketID:     strField(m, "market", "asset_id", "market_id"),
		At:           timeField(m),
	}, nil
}

// decodeLevels 解析档位数组，元素为 {"price": "...", "size": "..."}
func decodeLevels(v interface{}) ([]domain.BookLevel, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil, errors.New("档位字段不是数组")
	}
	levels := make([]domain.BookLevel, 0, len(arr))
	for _, item := range arr {
		lv, ok := item.(map[string]interface{})
		if !ok {
			return nil, errors.New("档位元素不是对象")
		}
		price, err := priceField(lv, "price")
		if err != nil {
			return nil, err
		}
		size, err := decimalField(lv, "size")
		if err != nil {
			return nil, err
		}
		if size <= 0 {
			// 零档位表示该价位被清空，快照中直接略过
			continue
		}
		levels = append(levels, domain.BookLevel{Price: price, Size: size})
	}
	return levels, nil
}

// strField 按候选键顺序取第一个非空字符串
func strField(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// intField 按候选键顺序解析整数（兼容字符串与数字编码）
func intField(m map[string]interface{}, keys ...string) int64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n != 0 {
				return n
			}
		case float64:
			if v != 0 {
				return int64(v)
			}
		}
	}
	return 0
}

// decimalField 用 decimal 精确解析字符串/数字编码的小数
func decimalField(m map[string]interface{}, keys ...string) (float64, error) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			d, err := decimal.NewFromString(v)
			if err != nil {
				return 0, errors.Wrapf(err, "字段 %s 非法", k)
			}
			f, _ := d.Float64()
			return f, nil
		case float64:
			return v, nil
		}
	}
	return 0, errors.Errorf("缺少字段: %v", keys)
}

func priceField(m map[string]interface{}, key string) (domain.Price, error) {
	f, err := decimalField(m, key)
	if err != nil {
		return domain.Price{}, err
	}
	return domain.PriceFromDecimal(f), nil
}

// timeField 解析 timestamp 字段，兼容秒/毫秒、字符串/数字编码
// 缺失时使用本地时间
func timeField(m map[string]interface{}) time.Time {
	var ts int64
	switch v := m["timestamp"].(type) {
	case string:
		ts, _ = strconv.ParseInt(v, 10, 64)
	case float64:
		ts = int64(v)
	}
	if ts <= 0 {
		return time.Now()
	}
	if ts > 1e12 {
		// 毫秒级
		return time.UnixMilli(ts)
	}
	return time.Unix(ts, 0)
}
