package main

import (
	"context"
	"fmt"
	"time"

	"CDPLedger/internal/config"
	"CDPLedger/internal/hub"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// assetSet is the collateral configuration turned into live tokens and feeds.
type assetSet struct {
	Assets    []common.Address
	Feeds     []common.Address
	Custody   map[common.Address]*token.Ledger
	Synthetic *token.Synthetic
	Directory *oracle.Directory

	feeds map[common.Address]oracle.Publisher
	rdb   *redis.Client
}

// buildAssets creates one token ledger and one price feed per configured
// collateral. Feeds live in process or in Redis depending on the oracle
// source.
func buildAssets(ctx context.Context, cfg *config.Config, hc *observability.HealthChecker, logger zerolog.Logger) (*assetSet, error) {
	set := &assetSet{
		Custody:   make(map[common.Address]*token.Ledger, len(cfg.Collateral)),
		Synthetic: token.NewSynthetic("Decentralized Stable Coin", "DSC", cfg.HubAddress()),
		Directory: oracle.NewDirectory(),
		feeds:     make(map[common.Address]oracle.Publisher, len(cfg.Collateral)),
	}

	if cfg.Oracle.Source == "redis" {
		set.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := set.rdb.Ping(ctx).Err(); err != nil {
			_ = set.rdb.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		hc.AddCheck("redis", func(ctx context.Context) error { return set.rdb.Ping(ctx).Err() })
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("Redis connected")
	}

	for _, col := range cfg.Collateral {
		asset, feedID := col.AssetAddress(), col.FeedAddress()
		set.Assets = append(set.Assets, asset)
		set.Feeds = append(set.Feeds, feedID)
		set.Custody[asset] = token.NewLedger(col.Name, col.Symbol, col.TokenDecimals)

		var feed interface {
			oracle.Feed
			oracle.Publisher
		}
		if set.rdb != nil {
			feed = oracle.NewRedisFeed(set.rdb, feedID, col.FeedDecimals)
		} else {
			answer, err := col.Answer()
			if err != nil {
				return nil, fmt.Errorf("collateral %s: %w", col.Symbol, err)
			}
			feed = oracle.NewMemoryFeed(col.FeedDecimals, answer, time.Now)
		}
		set.Directory.Register(feedID, feed)
		set.feeds[feedID] = feed

		logger.Info().
			Str("symbol", col.Symbol).
			Str("asset", asset.Hex()).
			Str("feed", feedID.Hex()).
			Str("source", cfg.Oracle.Source).
			Msg("collateral registered")
	}
	return set, nil
}

func (s *assetSet) transfers() map[common.Address]hub.AssetTransfer {
	out := make(map[common.Address]hub.AssetTransfer, len(s.Custody))
	for asset, l := range s.Custody {
		out[asset] = l
	}
	return out
}

// publishers accepts price updates by feed id.
func (s *assetSet) publishers() map[common.Address]oracle.Publisher {
	return s.feeds
}

func (s *assetSet) Close() error {
	if s.rdb != nil {
		return s.rdb.Close()
	}
	return nil
}
