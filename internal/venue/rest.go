package venue

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/crossarb/internal/domain"
	"github.com/betbot/crossarb/pkg/config"
	"github.com/betbot/crossarb/pkg/logger"
	"github.com/betbot/crossarb/pkg/ratelimit"
)

var restLog = logger.WithField("component", "venue.rest")

// RestClient 交易所 REST 客户端
// 多组凭证轮换使用以放大限流预算；限流在本地按端点预判，
// 429 响应交给 resty 的 Retry-After 处理兜底
type RestClient struct {
	name    domain.VenueName
	client  *resty.Client
	limiter *ratelimit.Manager
	creds   []config.CredentialConfig
	credIdx atomic.Int64
}

// NewRestClient 创建 REST 客户端
func NewRestClient(name domain.VenueName, cfg config.VenueConfig) *RestClient {
	host := strings.TrimSuffix(cfg.RestURL, "/")

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(10 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 遇到 429 限流时使用 Retry-After 头
			if resp.StatusCode() == 429 {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 10 * time.Second, nil
			}
			return 0, nil
		})

	return &RestClient{
		name:    name,
		client:  client,
		limiter: ratelimit.NewManager(),
		creds:   cfg.Credentials,
	}
}

// Name 返回交易所标识
func (c *RestClient) Name() domain.VenueName {
	return c.name
}

// nextCredential 轮换取下一组凭证
func (c *RestClient) nextCredential() *config.CredentialConfig {
	if len(c.creds) == 0 {
		return nil
	}
	idx := c.credIdx.Add(1)
	return &c.creds[int(idx)%len(c.creds)]
}

func (c *RestClient) newRequest(ctx context.Context, authed bool) *resty.Request {
	r := c.client.R().SetContext(ctx)
	r.SetHeader("Accept", "application/json")
	if authed {
		if cred := c.nextCredential(); cred != nil {
			r.SetHeader("X-Api-Key", cred.APIKey)
			r.SetHeader("X-Api-Secret", cred.APISecret)
			if cred.Passphrase != "" {
				r.SetHeader("X-Api-Passphrase", cred.Passphrase)
			}
		}
	}
	return r
}

// bookResponse 订单簿响应
type bookResponse struct {
	Market string       `json:"market"`
	Seq    int64        `json:"seq"`
	Bids   []levelEntry `json:"bids"`
	Asks   []levelEntry `json:"asks"`
}

type levelEntry struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// FetchOrderBook 拉取订单簿快照
func (c *RestClient) FetchOrderBook(ctx context.Context, marketID string) (*domain.BookSnapshot, error) {
	if err := c.limiter.Wait(ctx, "book:get"); err != nil {
		return nil, err
	}

	var body bookResponse
	resp, err := c.newRequest(ctx, false).
		SetQueryParam("market", marketID).
		SetResult(&body).
		Get("/book")
	if err != nil {
		return nil, errors.Wrapf(err, "拉取订单簿失败: %s", marketID)
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("拉取订单簿 http %d: %s", resp.StatusCode(), resp.String())
	}

	book := &domain.BookSnapshot{
		MarketID:  marketID,
		Seq:       body.Seq,
		Source:    domain.BookSourcePoll,
		UpdatedAt: time.Now(),
	}
	if book.Bids, err = parseLevels(body.Bids, false); err != nil {
		return nil, errors.Wrap(err, "解析 bids 失败")
	}
	if book.Asks, err = parseLevels(body.Asks, true); err != nil {
		return nil, errors.Wrap(err, "解析 asks 失败")
	}
	if err := book.Validate(); err != nil {
		return nil, errors.Wrapf(err, "订单簿快照非法: %s", marketID)
	}
	return book, nil
}

func parseLevels(entries []levelEntry, ascending bool) ([]domain.BookLevel, error) {
	levels := make([]domain.BookLevel, 0, len(entries))
	for _, e := range entries {
		p, err := decimal.NewFromString(e.Price)
		if err != nil {
			return nil, errors.Wrapf(err, "价格非法: %s", e.Price)
		}
		s, err := decimal.NewFromString(e.Size)
		if err != nil {
			return nil, errors.Wrapf(err, "数量非法: %s", e.Size)
		}
		pf, _ := p.Float64()
		sf, _ := s.Float64()
		if sf <= 0 {
			continue
		}
		levels = append(levels, domain.BookLevel{Price: domain.PriceFromDecimal(pf), Size: sf})
	}
	// 交易所返回顺序不可信，本地统一排序
	sortLevels(levels, ascending)
	return levels, nil
}

func sortLevels(levels []domain.BookLevel, ascending bool) {
	sort.Slice(levels, func(i, j int) bool {
		if ascending {
			return levels[i].Price.LessThan(levels[j].Price)
		}
		return levels[i].Price.GreaterThan(levels[j].Price)
	})
}

// placeOrderResponse 下单响应
type placeOrderResponse struct {
	Success      bool   `json:"success"`
	OrderHash    string `json:"order_hash"`
	VenueOrderID int64  `json:"venue_order_id"`
	Error        string `json:"error"`
}

// PlaceOrder 下单
func (c *RestClient) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderAck, error) {
	if err := c.limiter.Wait(ctx, "order:post"); err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"market":          req.MarketID,
		"side":            string(req.Side),
		"price":           decimal.NewFromFloat(req.Price.ToDecimal()).String(),
		"size":            decimal.NewFromFloat(req.Size).String(),
		"post_only":       req.PostOnly,
		"client_order_id": uuid.NewString(),
	}

	var body placeOrderResponse
	resp, err := c.newRequest(ctx, true).
		SetBody(payload).
		SetResult(&body).
		Post("/orders")
	if err != nil {
		return nil, errors.Wrap(err, "下单请求失败")
	}
	if !resp.IsSuccess() || !body.Success {
		return nil, errors.Errorf("下单被拒: http %d, %s", resp.StatusCode(), body.Error)
	}
	if body.OrderHash == "" {
		return nil, errors.New("下单响应缺少 order_hash")
	}

	restLog.WithFields(logrus.Fields{
		"venue":  c.name,
		"market": req.MarketID,
		"side":   req.Side,
		"price":  req.Price.ToDecimal(),
		"size":   req.Size,
		"hash":   body.OrderHash,
	}).Info("下单成功")

	return &OrderAck{OrderHash: body.OrderHash, VenueOrderID: body.VenueOrderID}, nil
}

// CancelOrder 按哈希撤单
// 订单已成交/已取消返回的 404 视为撤单成功（幂等）
func (c *RestClient) CancelOrder(ctx context.Context, orderHash string) error {
	if err := c.limiter.Wait(ctx, "order:delete"); err != nil {
		return err
	}

	resp, err := c.newRequest(ctx, true).
		Delete("/orders/" + orderHash)
	if err != nil {
		return errors.Wrapf(err, "撤单请求失败: %s", orderHash)
	}
	if resp.StatusCode() == 404 {
		restLog.WithField("hash", orderHash).Debug("撤单目标已不存在，按成功处理")
		return nil
	}
	if !resp.IsSuccess() {
		return errors.Errorf("撤单失败: http %d, %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// orderStatusResponse 订单查询响应
type orderStatusResponse struct {
	OrderHash    string `json:"order_hash"`
	VenueOrderID int64  `json:"venue_order_id"`
	Status       string `json:"status"`
	FilledSize   string `json:"filled_size"`
	AvgPrice     string `json:"avg_price"`
}

// OrderStatus 查询订单状态
func (c *RestClient) OrderStatus(ctx context.Context, orderHash string) (*OrderState, error) {
	if err := c.limiter.Wait(ctx, "order:get"); err != nil {
		return nil, err
	}

	var body orderStatusResponse
	resp, err := c.newRequest(ctx, true).
		SetResult(&body).
		Get("/orders/" + orderHash)
	if err != nil {
		return nil, errors.Wrapf(err, "查询订单失败: %s", orderHash)
	}
	if !resp.IsSuccess() {
		return nil, errors.Errorf("查询订单 http %d: %s", resp.StatusCode(), resp.String())
	}

	state := &OrderState{
		OrderHash:    body.OrderHash,
		VenueOrderID: body.VenueOrderID,
		Status:       mapOrderStatus(body.Status),
	}
	if body.FilledSize != "" {
		if d, err := decimal.NewFromString(body.FilledSize); err == nil {
			state.FilledSize, _ = d.Float64()
		}
	}
	if body.AvgPrice != "" {
		if d, err := decimal.NewFromString(body.AvgPrice); err == nil {
			f, _ := d.Float64()
			state.AvgFillPrice = domain.PriceFromDecimal(f)
		}
	}
	return state, nil
}

// mapOrderStatus 将交易所状态字符串映射为领域状态
func mapOrderStatus(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "live", "open":
		return domain.OrderStatusOpen
	case "partial", "partially_filled":
		return domain.OrderStatusPartial
	case "matched", "filled":
		return domain.OrderStatusFilled
	case "cancelled", "canceled":
		return domain.OrderStatusCanceled
	default:
		return domain.OrderStatusPending
	}
}
