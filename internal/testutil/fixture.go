// Package testutil builds in-memory hubs and reaches integration services for
// tests.
package testutil

import (
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"CDPLedger/internal/hub"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/oracle"
	"CDPLedger/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

var (
	HubAddress = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	WETH       = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	WBTC       = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	ETHFeed    = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	BTCFeed    = common.HexToAddress("0x00000000000000000000000000000000000000f2")

	Alice      = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	Bob        = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	Liquidator = common.HexToAddress("0x000000000000000000000000000000000000d00d")
)

// Genesis is the fixture's initial clock reading.
var Genesis = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Fixture wires a hub over WETH (18 decimal feed at $4000) and WBTC (8 decimal
// feed at $60000) with in-memory tokens.
type Fixture struct {
	now atomic.Int64

	WETH    *token.Ledger
	WBTC    *token.Ledger
	DSC     *token.Synthetic
	ETHFeed *oracle.MemoryFeed
	BTCFeed *oracle.MemoryFeed
	Feeds   *oracle.Directory
	Hub     *hub.Hub
}

func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	f := &Fixture{}
	f.now.Store(Genesis.UnixNano())

	f.WETH = token.NewLedger("Wrapped Ether", "WETH", 18)
	f.WBTC = token.NewLedger("Wrapped Bitcoin", "WBTC", 18)
	f.DSC = token.NewSynthetic("Decentralized Stable Coin", "DSC", HubAddress)

	f.ETHFeed = oracle.NewMemoryFeed(18, usd(4000, 18), f.Clock())
	f.BTCFeed = oracle.NewMemoryFeed(8, usd(60000, 8), f.Clock())
	f.Feeds = oracle.NewDirectory()
	f.Feeds.Register(ETHFeed, f.ETHFeed)
	f.Feeds.Register(BTCFeed, f.BTCFeed)

	h, err := hub.New(f.Config())
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	f.Hub = h
	return f
}

// Config is the hub configuration the fixture was built with.
func (f *Fixture) Config() hub.Config {
	return hub.Config{
		Address:    HubAddress,
		Assets:     []common.Address{WETH, WBTC},
		PriceFeeds: []common.Address{ETHFeed, BTCFeed},
		Feeds:      f.Feeds,
		Tokens: map[common.Address]hub.AssetTransfer{
			WETH: f.WETH,
			WBTC: f.WBTC,
		},
		Synthetic: f.DSC,
		Clock:     f.Clock(),
		Logger:    zerolog.Nop(),
	}
}

func (f *Fixture) Clock() func() time.Time {
	return func() time.Time { return time.Unix(0, f.now.Load()).UTC() }
}

// Advance moves the clock forward.
func (f *Fixture) Advance(d time.Duration) {
	f.now.Add(int64(d))
}

// SetETHPrice publishes a new ETH round at dollars.
func (f *Fixture) SetETHPrice(dollars int64) {
	f.ETHFeed.UpdateAnswer(usd(dollars, 18))
}

// SetBTCPrice publishes a new BTC round at dollars.
func (f *Fixture) SetBTCPrice(dollars int64) {
	f.BTCFeed.UpdateAnswer(usd(dollars, 8))
}

// Fund credits user with amount of the token and approves the hub to pull it.
func (f *Fixture) Fund(t testing.TB, tok *token.Ledger, user common.Address, amount *uint256.Int) {
	t.Helper()
	if err := tok.Credit(user, amount); err != nil {
		t.Fatalf("fund %s: %v", user.Hex(), err)
	}
	if err := tok.Approve(token.WithCaller(t.Context(), user), HubAddress, fpmath.Max); err != nil {
		t.Fatalf("approve %s: %v", user.Hex(), err)
	}
}

// GiveSynthetic mints synthetic straight to user, outside any position, so a
// liquidator has tokens to repay with.
func (f *Fixture) GiveSynthetic(t testing.TB, user common.Address, amount *uint256.Int) {
	t.Helper()
	if err := f.DSC.Credit(user, amount); err != nil {
		t.Fatalf("give synthetic: %v", err)
	}
}

func usd(dollars int64, decimals uint8) *big.Int {
	return new(big.Int).Mul(big.NewInt(dollars), new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
}
