package oracle

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// MemoryFeed is an in-process aggregator. Every UpdateAnswer opens a new round
// answered in that same round.
type MemoryFeed struct {
	mu       sync.RWMutex
	decimals uint8
	now      func() time.Time
	latest   Observation
	history  map[uint64]Observation
}

// NewMemoryFeed starts the feed at round 1 with initialAnswer, like a freshly
// deployed mock aggregator.
func NewMemoryFeed(decimals uint8, initialAnswer *big.Int, now func() time.Time) *MemoryFeed {
	if now == nil {
		now = time.Now
	}
	f := &MemoryFeed{decimals: decimals, now: now, history: make(map[uint64]Observation)}
	if initialAnswer != nil {
		f.UpdateAnswer(initialAnswer)
	}
	return f
}

func (f *MemoryFeed) Decimals() uint8 { return f.decimals }

func (f *MemoryFeed) LatestObservation(context.Context) (Observation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.latest.Answer == nil {
		return Observation{}, ErrNoObservation
	}
	return copyObservation(f.latest), nil
}

// RoundData returns a historical round.
func (f *MemoryFeed) RoundData(roundID uint64) (Observation, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	obs, ok := f.history[roundID]
	return copyObservation(obs), ok
}

// UpdateAnswer records answer as the next round, stamped with the feed clock.
func (f *MemoryFeed) UpdateAnswer(answer *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	round := f.latest.RoundID + 1
	ts := f.now()
	f.store(Observation{
		RoundID:         round,
		Answer:          new(big.Int).Set(answer),
		StartedAt:       ts,
		UpdatedAt:       ts,
		AnsweredInRound: round,
	})
}

// UpdateRoundData overwrites the latest round with explicit values.
func (f *MemoryFeed) UpdateRoundData(roundID uint64, answer *big.Int, updatedAt, startedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(Observation{
		RoundID:         roundID,
		Answer:          new(big.Int).Set(answer),
		StartedAt:       startedAt,
		UpdatedAt:       updatedAt,
		AnsweredInRound: roundID,
	})
}

// Publish stores obs verbatim, including an inconsistent AnsweredInRound.
func (f *MemoryFeed) Publish(_ context.Context, obs Observation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(copyObservation(obs))
	return nil
}

func (f *MemoryFeed) store(obs Observation) {
	f.latest = obs
	f.history[obs.RoundID] = obs
}

func copyObservation(o Observation) Observation {
	if o.Answer != nil {
		o.Answer = new(big.Int).Set(o.Answer)
	}
	return o
}
