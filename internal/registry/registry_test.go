package registry_test

import (
	"testing"

	"CDPLedger/internal/registry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	weth     = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	wbtc     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	ethFeed  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	btcFeed  = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	unlisted = common.HexToAddress("0x0000000000000000000000000000000000000bad")
)

func TestNew_LengthNotMatch(t *testing.T) {
	_, err := registry.New([]common.Address{weth}, []common.Address{ethFeed, btcFeed})
	require.ErrorIs(t, err, registry.ErrLengthNotMatch)
}

func TestNew_CollateralTokenAlreadySet(t *testing.T) {
	_, err := registry.New([]common.Address{weth, weth}, []common.Address{ethFeed, btcFeed})
	require.ErrorIs(t, err, registry.ErrCollateralTokenAlreadySet)
}

func TestNew_ZeroAddress(t *testing.T) {
	_, err := registry.New([]common.Address{weth, {}}, []common.Address{ethFeed, btcFeed})
	require.ErrorIs(t, err, registry.ErrZeroAddress)

	_, err = registry.New([]common.Address{weth}, []common.Address{{}})
	require.ErrorIs(t, err, registry.ErrZeroAddress)
}

func TestNew_Empty(t *testing.T) {
	_, err := registry.New(nil, nil)
	require.ErrorIs(t, err, registry.ErrEmpty)
}

func TestRegistry_PreservesOrderAndBinding(t *testing.T) {
	r, err := registry.New([]common.Address{weth, wbtc}, []common.Address{ethFeed, btcFeed})
	require.NoError(t, err)

	assert.Equal(t, []common.Address{weth, wbtc}, r.Assets())
	assert.Equal(t, 2, r.Len())

	feed, err := r.FeedOf(wbtc)
	require.NoError(t, err)
	assert.Equal(t, btcFeed, feed)

	h, err := r.Lookup(weth)
	require.NoError(t, err)
	assert.Equal(t, registry.Entry{Asset: weth, Feed: ethFeed}, r.Entry(h))
}

func TestRegistry_UnlistedAsset(t *testing.T) {
	r, err := registry.FromEntries([]registry.Entry{{Asset: weth, Feed: ethFeed}})
	require.NoError(t, err)

	assert.False(t, r.Allowed(unlisted))
	_, err = r.FeedOf(unlisted)
	require.ErrorIs(t, err, registry.ErrNotAllowedToken)
}

func TestRegistry_AssetsIsACopy(t *testing.T) {
	r, err := registry.New([]common.Address{weth}, []common.Address{ethFeed})
	require.NoError(t, err)

	assets := r.Assets()
	assets[0] = unlisted
	assert.Equal(t, weth, r.Assets()[0])
}
