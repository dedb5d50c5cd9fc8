// Package registry holds the immutable table of accepted collateral assets and
// the price feed bound to each one.
package registry

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrLengthNotMatch            = errors.New("registry: token addresses and price feed addresses length mismatch")
	ErrCollateralTokenAlreadySet = errors.New("registry: collateral token already set")
	ErrNotAllowedToken           = errors.New("registry: token not allowed as collateral")
	ErrEmpty                     = errors.New("registry: no collateral assets")
	ErrZeroAddress               = errors.New("registry: zero address")
)

// Handle addresses an asset by its position in the registry.
type Handle int

// Entry binds one collateral asset to its price feed.
type Entry struct {
	Asset common.Address
	Feed  common.Address
}

// Registry is built once and never changes afterwards, so it is safe for
// concurrent reads.
type Registry struct {
	entries []Entry
	index   map[common.Address]Handle
}

// New builds the registry from parallel lists. Order is preserved and is the
// iteration order of every valuation.
func New(assets, feeds []common.Address) (*Registry, error) {
	if len(assets) != len(feeds) {
		return nil, fmt.Errorf("%w: %d assets, %d feeds", ErrLengthNotMatch, len(assets), len(feeds))
	}
	if len(assets) == 0 {
		return nil, ErrEmpty
	}

	r := &Registry{
		entries: make([]Entry, 0, len(assets)),
		index:   make(map[common.Address]Handle, len(assets)),
	}
	for i, asset := range assets {
		if asset == (common.Address{}) || feeds[i] == (common.Address{}) {
			return nil, fmt.Errorf("%w: entry %d", ErrZeroAddress, i)
		}
		if _, dup := r.index[asset]; dup {
			return nil, fmt.Errorf("%w: %s", ErrCollateralTokenAlreadySet, asset.Hex())
		}
		r.index[asset] = Handle(i)
		r.entries = append(r.entries, Entry{Asset: asset, Feed: feeds[i]})
	}
	return r, nil
}

// FromEntries is New for callers that already hold pairs.
func FromEntries(entries []Entry) (*Registry, error) {
	assets := make([]common.Address, len(entries))
	feeds := make([]common.Address, len(entries))
	for i, e := range entries {
		assets[i], feeds[i] = e.Asset, e.Feed
	}
	return New(assets, feeds)
}

// Lookup resolves an asset to its handle.
func (r *Registry) Lookup(asset common.Address) (Handle, error) {
	h, ok := r.index[asset]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotAllowedToken, asset.Hex())
	}
	return h, nil
}

// Allowed reports whether asset is registered.
func (r *Registry) Allowed(asset common.Address) bool {
	_, ok := r.index[asset]
	return ok
}

func (r *Registry) Entry(h Handle) Entry {
	return r.entries[h]
}

// FeedOf returns the price feed bound to asset.
func (r *Registry) FeedOf(asset common.Address) (common.Address, error) {
	h, err := r.Lookup(asset)
	if err != nil {
		return common.Address{}, err
	}
	return r.entries[h].Feed, nil
}

// Assets returns the registered assets in registration order.
func (r *Registry) Assets() []common.Address {
	out := make([]common.Address, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.Asset
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.entries)
}
