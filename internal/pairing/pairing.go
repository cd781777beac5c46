// Package pairing supplies the venue-to-venue market identity mapping for an
// arbitrage pair. Read-only to the execution core; mappings are established
// once and treated as immutable for a task's lifetime.
package pairing

import (
	"github.com/pkg/errors"

	"github.com/betbot/crossarb/internal/domain"
	"github.com/betbot/crossarb/pkg/config"
)

// Provider resolves arbitrage pairs.
type Provider interface {
	// PairFor returns the pair whose entry leg is the given market.
	PairFor(entryMarketID string) (domain.Pair, error)
	// Pairs returns all configured pairs.
	Pairs() []domain.Pair
}

// StaticProvider serves pairs loaded from configuration.
type StaticProvider struct {
	byEntry map[string]domain.Pair
	pairs   []domain.Pair
}

// NewStaticProvider builds a provider from config entries.
func NewStaticProvider(cfgs []config.PairConfig) (*StaticProvider, error) {
	p := &StaticProvider{byEntry: make(map[string]domain.Pair, len(cfgs))}
	for i, c := range cfgs {
		pair := domain.Pair{
			EntryMarketID: c.EntryMarketID,
			HedgeMarketID: c.HedgeMarketID,
			FeeRate:       c.FeeRate,
			TickSize:      c.TickSize,
			Inverted:      c.Inverted,
		}
		if !pair.IsValid() {
			return nil, errors.Errorf("pairs[%d]: invalid pair config", i)
		}
		if _, dup := p.byEntry[pair.EntryMarketID]; dup {
			return nil, errors.Errorf("pairs[%d]: duplicate entry market %s", i, pair.EntryMarketID)
		}
		p.byEntry[pair.EntryMarketID] = pair
		p.pairs = append(p.pairs, pair)
	}
	return p, nil
}

// PairFor returns the pair for an entry market.
func (p *StaticProvider) PairFor(entryMarketID string) (domain.Pair, error) {
	pair, ok := p.byEntry[entryMarketID]
	if !ok {
		return domain.Pair{}, errors.Errorf("no pair for market %s", entryMarketID)
	}
	return pair, nil
}

// Pairs returns all configured pairs.
func (p *StaticProvider) Pairs() []domain.Pair {
	return p.pairs
}
