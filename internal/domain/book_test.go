package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func level(price float64, size float64) BookLevel {
	return BookLevel{Price: PriceFromDecimal(price), Size: size}
}

func validBook() *BookSnapshot {
	return &BookSnapshot{
		MarketID: "0xentry",
		Bids:     []BookLevel{level(0.44, 100), level(0.43, 200), level(0.42, 50)},
		Asks:     []BookLevel{level(0.46, 80), level(0.47, 120), level(0.50, 300)},
	}
}

func TestBookValidate(t *testing.T) {
	require.NoError(t, validBook().Validate())

	// 空簿合法
	empty := &BookSnapshot{MarketID: "m"}
	require.NoError(t, empty.Validate())
}

func TestBookValidateRejectsUnsortedBids(t *testing.T) {
	b := validBook()
	b.Bids[1], b.Bids[2] = b.Bids[2], b.Bids[1]
	assert.Error(t, b.Validate())
}

func TestBookValidateRejectsDuplicateAskLevel(t *testing.T) {
	b := validBook()
	b.Asks[1] = b.Asks[0]
	assert.Error(t, b.Validate())
}

func TestBookValidateRejectsCrossed(t *testing.T) {
	b := validBook()
	b.Asks[0] = level(0.44, 10)
	assert.Error(t, b.Validate())

	b.Asks[0] = level(0.43, 10)
	assert.Error(t, b.Validate())
}

func TestBookFreshness(t *testing.T) {
	now := time.Now()
	b := validBook()
	b.UpdatedAt = now.Add(-300 * time.Millisecond)

	assert.True(t, b.IsFresh(500*time.Millisecond, now))
	assert.False(t, b.IsFresh(200*time.Millisecond, now))
}

func TestDepthWithin(t *testing.T) {
	b := validBook()
	assert.Equal(t, 0.0, b.DepthWithin(PriceFromDecimal(0.45)))
	assert.Equal(t, 80.0, b.DepthWithin(PriceFromDecimal(0.46)))
	assert.Equal(t, 200.0, b.DepthWithin(PriceFromDecimal(0.47)))
	assert.Equal(t, 500.0, b.DepthWithin(PriceFromDecimal(0.99)))
}

func TestVWAPWithinWalksLevels(t *testing.T) {
	b := validBook()

	// 全部在第一档内
	p, ok := b.VWAPWithin(50)
	require.True(t, ok)
	assert.Equal(t, PriceFromDecimal(0.46), p)

	// 跨两档: 80@0.46 + 20@0.47
	p, ok = b.VWAPWithin(100)
	require.True(t, ok)
	assert.Equal(t, PriceFromDecimal(0.462), p)

	// 深度不足
	_, ok = b.VWAPWithin(1000)
	assert.False(t, ok)
}

func TestInvertedBook(t *testing.T) {
	b := validBook()
	inv := b.Inverted()

	// 对侧买一 0.44 -> 本侧卖一 0.56
	ask, ok := inv.BestAsk()
	require.True(t, ok)
	assert.Equal(t, PriceFromDecimal(0.56), ask.Price)

	// 对侧卖一 0.46 -> 本侧买一 0.54
	bid, ok := inv.BestBid()
	require.True(t, ok)
	assert.Equal(t, PriceFromDecimal(0.54), bid.Price)

	require.NoError(t, inv.Validate())
}

func TestPriceComplementAndSnap(t *testing.T) {
	assert.Equal(t, PriceFromDecimal(0.55), PriceFromDecimal(0.45).Complement())
	assert.Equal(t, PriceFromDecimal(0.456), PriceFromDecimal(0.4567).SnapToTick(0.001))
	assert.Equal(t, PriceFromDecimal(0.45), PriceFromDecimal(0.4567).SnapToTick(0.01))
}
