package venue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/crossarb/internal/domain"
)

func TestDecodeBookEvent(t *testing.T) {
	data := []byte(`{
		"event_type": "book",
		"market": "0xentry",
		"seq": 42,
		"timestamp": "1756600000000",
		"bids": [{"price": "0.43", "size": "200"}, {"price": "0.44", "size": "100"}],
		"asks": [{"price": "0.47", "size": "120"}, {"price": "0.46", "size": "80"}]
	}`)

	events, err := DecodeEvents(domain.VenueEntry, data)
	require.NoError(t, err)
	require.Len(t, events, 1)

	be, ok := events[0].(BookEvent)
	require.True(t, ok)
	assert.Equal(t, "0xentry", be.Book.MarketID)
	assert.Equal(t, int64(42), be.Book.Seq)

	// 解码层负责排序
	bid, _ := be.Book.BestBid()
	ask, _ := be.Book.BestAsk()
	assert.Equal(t, domain.PriceFromDecimal(0.44), bid.Price)
	assert.Equal(t, domain.PriceFromDecimal(0.46), ask.Price)
	require.NoError(t, be.Book.Validate())
}

func TestDecodeBookEventSkipsZeroLevels(t *testing.T) {
	data := []byte(`{
		"event_type": "book",
		"market": "0xentry",
		"bids": [{"price": "0.44", "size": "100"}, {"price": "0.43", "size": "0"}],
		"asks": []
	}`)

	events, err := DecodeEvents(domain.VenueEntry, data)
	require.NoError(t, err)
	require.Len(t, events, 1)

	be := events[0].(BookEvent)
	assert.Len(t, be.Book.Bids, 1)
}

func TestDecodeRejectsCrossedBook(t *testing.T) {
	data := []byte(`{
		"event_type": "book",
		"market": "0xentry",
		"bids": [{"price": "0.50", "size": "100"}],
		"asks": [{"price": "0.46", "size": "80"}]
	}`)

	_, err := DecodeEvents(domain.VenueEntry, data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "交叉")
}

func TestDecodeFillEvent(t *testing.T) {
	data := []byte(`{
		"event_type": "trade",
		"order_hash": "0xhash",
		"venue_order_id": "98765",
		"market": "0xentry",
		"side": "BUY",
		"price": "0.45",
		"size": "30",
		"status": "matched",
		"timestamp": 1756600000
	}`)

	events, err := DecodeEvents(domain.VenueEntry, data)
	require.NoError(t, err)
	require.Len(t, events, 1)

	fe, ok := events[0].(FillEvent)
	require.True(t, ok)
	assert.Equal(t, "0xhash", fe.OrderHash)
	assert.Equal(t, int64(98765), fe.VenueOrderID)
	assert.Equal(t, domain.SideBuy, fe.Side)
	assert.Equal(t, domain.PriceFromDecimal(0.45), fe.Price)
	assert.Equal(t, 30.0, fe.Size)
	assert.True(t, fe.IsFinal)
}

func TestDecodeFillEventNumericID(t *testing.T) {
	// venue_order_id 可能以数字编码
	data := []byte(`{
		"event_type": "fill",
		"oid": 4242,
		"market": "KXTEST",
		"side": "sell",
		"price": 0.55,
		"quantity": 10,
		"status": "partial"
	}`)

	events, err := DecodeEvents(domain.VenueHedge, data)
	require.NoError(t, err)
	require.Len(t, events, 1)

	fe := events[0].(FillEvent)
	assert.Equal(t, int64(4242), fe.VenueOrderID)
	assert.Equal(t, "", fe.OrderHash)
	assert.Equal(t, domain.SideSell, fe.Side)
	assert.False(t, fe.IsFinal)
}

func TestDecodeCancelEvent(t *testing.T) {
	data := []byte(`{
		"event_type": "cancellation",
		"order_hash": "0xhash",
		"market": "0xentry"
	}`)

	events, err := DecodeEvents(domain.VenueEntry, data)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ce, ok := events[0].(CancelEvent)
	require.True(t, ok)
	assert.Equal(t, "0xhash", ce.OrderHash)
}

func TestDecodeCancelRequiresIdentifier(t *testing.T) {
	data := []byte(`{"event_type": "cancel", "market": "0xentry"}`)
	_, err := DecodeEvents(domain.VenueEntry, data)
	assert.Error(t, err)
}

func TestDecodeEventArray(t *testing.T) {
	data := []byte(`[
		{"event_type": "price_change", "market": "0xentry", "best_bid": "0.44", "best_ask": "0.46"},
		{"event_type": "tick_size_change", "market": "0xentry"},
		{"event_type": "cancellation", "order_hash": "0xh1"}
	]`)

	events, err := DecodeEvents(domain.VenueEntry, data)
	require.NoError(t, err)
	// tick_size_change 被静默丢弃
	require.Len(t, events, 2)

	tob, ok := events[0].(TopOfBookEvent)
	require.True(t, ok)
	assert.Equal(t, domain.PriceFromDecimal(0.44), tob.BestBid)
	assert.Equal(t, domain.PriceFromDecimal(0.46), tob.BestAsk)

	_, ok = events[1].(CancelEvent)
	assert.True(t, ok)
}

func TestDecodeUntaggedBookInferred(t *testing.T) {
	data := []byte(`{
		"market": "0xentry",
		"bids": [{"price": "0.44", "size": "100"}],
		"asks": [{"price": "0.46", "size": "80"}]
	}`)

	events, err := DecodeEvents(domain.VenueEntry, data)
	require.NoError(t, err)
	require.Len(t, events, 1)
	_, ok := events[0].(BookEvent)
	assert.True(t, ok)
}

func TestDecodeUnknownEventType(t *testing.T) {
	data := []byte(`{"event_type": "mystery"}`)
	_, err := DecodeEvents(domain.VenueEntry, data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "未知事件类型")
}

func TestTimestampMillisVsSeconds(t *testing.T) {
	msData := []byte(`{"event_type": "cancellation", "order_hash": "0xh", "timestamp": "1756600000000"}`)
	sData := []byte(`{"event_type": "cancellation", "order_hash": "0xh", "timestamp": 1756600000}`)

	msEvents, err := DecodeEvents(domain.VenueEntry, msData)
	require.NoError(t, err)
	sEvents, err := DecodeEvents(domain.VenueEntry, sData)
	require.NoError(t, err)

	msAt := msEvents[0].(CancelEvent).At
	sAt := sEvents[0].(CancelEvent).At
	assert.Equal(t, msAt.Unix(), sAt.Unix())
}
