// Package oracle validates price observations and provides the feed
// implementations the service reads them from.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrStalePrice          = errors.New("oracle: stale price")
	ErrInvalidPrice        = errors.New("oracle: invalid price")
	ErrInconsistentRound   = errors.New("oracle: answered in earlier round")
	ErrUnknownFeed         = errors.New("oracle: unknown price feed")
	ErrUnsupportedDecimals = errors.New("oracle: feed has more than 18 decimals")
	ErrNoObservation       = errors.New("oracle: feed has no observation")
)

// Observation is the latest round reported by a price aggregator. Answer is
// signed because aggregators may report non-positive values, which the
// validator rejects.
type Observation struct {
	RoundID         uint64
	Answer          *big.Int
	StartedAt       time.Time
	UpdatedAt       time.Time
	AnsweredInRound uint64
}

// Feed is a source of price observations in its own native decimals.
type Feed interface {
	LatestObservation(ctx context.Context) (Observation, error)
	Decimals() uint8
}

// Publisher accepts new observations for a feed.
type Publisher interface {
	Publish(ctx context.Context, obs Observation) error
}

// Directory resolves feed identifiers to feeds. Safe for concurrent use.
type Directory struct {
	mu    sync.RWMutex
	feeds map[common.Address]Feed
}

func NewDirectory() *Directory {
	return &Directory{feeds: make(map[common.Address]Feed)}
}

// Register binds id to feed, replacing any earlier binding.
func (d *Directory) Register(id common.Address, feed Feed) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.feeds[id] = feed
}

func (d *Directory) Lookup(id common.Address) (Feed, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.feeds[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, id.Hex())
	}
	return f, nil
}

// IDs returns the registered feed identifiers in ascending order.
func (d *Directory) IDs() []common.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]common.Address, 0, len(d.feeds))
	for id := range d.feeds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Cmp(ids[j]) < 0 })
	return ids
}
