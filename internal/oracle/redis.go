package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

// RedisFeed keeps the latest observation of one feed in a Redis hash at
// "oracle:feed:{address}" with fields round, answer, started_at, updated_at
// (unix seconds) and answered_in_round. Price ingestion writes through
// Publish; the solvency engine reads through LatestObservation.
type RedisFeed struct {
	rdb      redis.Cmdable
	id       common.Address
	decimals uint8
}

func NewRedisFeed(rdb redis.Cmdable, id common.Address, decimals uint8) *RedisFeed {
	return &RedisFeed{rdb: rdb, id: id, decimals: decimals}
}

func feedKey(id common.Address) string {
	return "oracle:feed:" + id.Hex()
}

func (f *RedisFeed) Decimals() uint8 { return f.decimals }

func (f *RedisFeed) Publish(ctx context.Context, obs Observation) error {
	if obs.Answer == nil {
		return fmt.Errorf("redis feed %s: %w", f.id.Hex(), ErrInvalidPrice)
	}
	fields := map[string]interface{}{
		"round":             strconv.FormatUint(obs.RoundID, 10),
		"answer":            obs.Answer.String(),
		"started_at":        strconv.FormatInt(obs.StartedAt.Unix(), 10),
		"updated_at":        strconv.FormatInt(obs.UpdatedAt.Unix(), 10),
		"answered_in_round": strconv.FormatUint(obs.AnsweredInRound, 10),
	}
	if err := f.rdb.HSet(ctx, feedKey(f.id), fields).Err(); err != nil {
		return fmt.Errorf("redis feed %s: set: %w", f.id.Hex(), err)
	}
	return nil
}

func (f *RedisFeed) LatestObservation(ctx context.Context) (Observation, error) {
	vals, err := f.rdb.HGetAll(ctx, feedKey(f.id)).Result()
	if err != nil {
		return Observation{}, fmt.Errorf("redis feed %s: get: %w", f.id.Hex(), err)
	}
	if len(vals) == 0 {
		return Observation{}, fmt.Errorf("redis feed %s: %w", f.id.Hex(), ErrNoObservation)
	}

	var obs Observation
	answer, ok := new(big.Int).SetString(vals["answer"], 10)
	if !ok {
		return Observation{}, fmt.Errorf("redis feed %s: parse answer %q", f.id.Hex(), vals["answer"])
	}
	obs.Answer = answer
	if obs.RoundID, err = strconv.ParseUint(vals["round"], 10, 64); err != nil {
		return Observation{}, fmt.Errorf("redis feed %s: parse round: %w", f.id.Hex(), err)
	}
	if obs.AnsweredInRound, err = strconv.ParseUint(vals["answered_in_round"], 10, 64); err != nil {
		return Observation{}, fmt.Errorf("redis feed %s: parse answered_in_round: %w", f.id.Hex(), err)
	}
	updated, err := strconv.ParseInt(vals["updated_at"], 10, 64)
	if err != nil {
		return Observation{}, fmt.Errorf("redis feed %s: parse updated_at: %w", f.id.Hex(), err)
	}
	obs.UpdatedAt = time.Unix(updated, 0)
	if started, err := strconv.ParseInt(vals["started_at"], 10, 64); err == nil {
		obs.StartedAt = time.Unix(started, 0)
	}
	return obs, nil
}
