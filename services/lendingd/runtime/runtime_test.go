package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"termlend/core/events"
	"termlend/native/lending"
	fp "termlend/native/lending/fixedpoint"
	"termlend/storage"
)

var (
	admin = common.HexToAddress("0xad")
	alice = common.HexToAddress("0xa1")
	bob   = common.HexToAddress("0xb0")
)

func eth(n uint64) uint256.Int { return fp.Wad(n) }

type memorySink struct {
	mu   sync.Mutex
	envs []events.Envelope
	err  error
}

func (s *memorySink) Store(env events.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envs = append(s.envs, env)
	return s.err
}

func specs() []MarketSpec {
	return []MarketSpec{
		{
			Symbol:       "dai",
			Decimals:     18,
			Price:        fp.Wad(1),
			AdjustFactor: fp.FromUint64(9e17),
			Params:       lending.DefaultParams(),
			RateModel:    lending.ConstantRateModel{Fixed: fp.FromUint64(1e16)},
		},
		{
			Symbol:       "WETH",
			Decimals:     18,
			Price:        fp.Wad(2500),
			AdjustFactor: fp.FromUint64(8e17),
			Params:       lending.DefaultParams(),
			RateModel:    lending.ConstantRateModel{Fixed: fp.FromUint64(1e16)},
		},
	}
}

func newRuntime(t *testing.T, store *storage.MarketStore, sinks ...events.Sink) *Runtime {
	t.Helper()
	rt, err := New(Options{
		Markets: specs(),
		Admins:  []common.Address{admin},
		Store:   store,
		Sinks:   sinks,
		Clock:   func() time.Time { return time.Unix(0, 0) },
	})
	require.NoError(t, err)
	return rt
}

func deposit(t *testing.T, rt *Runtime, symbol string, who common.Address, amount uint256.Int) {
	t.Helper()
	require.NoError(t, rt.Mint(admin, symbol, who, amount))
	require.NoError(t, rt.Update(context.Background(), symbol, "deposit", func(ctx context.Context, m *lending.Market) error {
		_, err := m.Deposit(ctx, who, amount, who)
		return err
	}))
}

func borrow(rt *Runtime, symbol string, who common.Address, amount uint256.Int) error {
	return rt.Update(context.Background(), symbol, "borrow", func(ctx context.Context, m *lending.Market) error {
		_, err := m.Borrow(ctx, who, amount, fp.MaxUint256, who, who)
		return err
	})
}

func TestRuntimeBuildsMarkets(t *testing.T) {
	rt := newRuntime(t, nil)
	require.Equal(t, []string{"DAI", "WETH"}, rt.Symbols())
	factor, ok := rt.AdjustFactor("weth")
	require.True(t, ok)
	require.Equal(t, fp.FromUint64(8e17), factor)
	require.Equal(t, fp.Wad(2500), rt.Prices()["WETH"])
	require.True(t, rt.IsAdmin(admin))
	require.False(t, rt.IsAdmin(alice))

	err := rt.View("usdc", func(*lending.Market) error { return nil })
	require.ErrorIs(t, err, ErrUnknownMarket)

	_, err = New(Options{Markets: append(specs(), specs()[0])})
	require.Error(t, err)
}

func TestRuntimeCrossMarketBorrowAndEvents(t *testing.T) {
	sink := &memorySink{}
	rt := newRuntime(t, nil, sink)
	updates, cancel := rt.Hub().Subscribe(32)
	defer cancel()

	deposit(t, rt, "DAI", bob, eth(100_000))
	deposit(t, rt, "WETH", alice, eth(10))

	// 10 WETH at 2500 adjusted by 0.8 backs 20000, i.e. 18000 DAI of debt.
	require.ErrorIs(t, borrow(rt, "DAI", alice, eth(18_001)), lending.ErrInsufficientAccountLiquidity)
	require.NoError(t, borrow(rt, "DAI", alice, eth(15_000)))

	balance, err := rt.Balance("DAI", alice)
	require.NoError(t, err)
	require.Equal(t, eth(15_000), balance)

	collateral, debt, err := rt.Liquidity(context.Background(), alice)
	require.NoError(t, err)
	require.True(t, debt.Lt(&collateral))

	var types []string
	for len(types) < 6 {
		select {
		case env := <-updates:
			types = append(types, env.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	require.Equal(t, []string{
		events.TypeLendingDeposit, events.TypeLendingMarketUpdate,
		events.TypeLendingDeposit, events.TypeLendingMarketUpdate,
		events.TypeLendingBorrow, events.TypeLendingMarketUpdate,
	}, types)

	sink.mu.Lock()
	require.Len(t, sink.envs, 6)
	require.EqualValues(t, 1, sink.envs[0].Sequence)
	require.Equal(t, "DAI", sink.envs[0].Market)
	require.NotEmpty(t, sink.envs[0].ID)
	sink.mu.Unlock()

	recent := rt.Hub().Recent("weth", 0, 0)
	require.Len(t, recent, 2)
	require.Len(t, rt.Hub().Recent("", 4, 1), 1)
}

func TestRuntimeLiquidationAfterPriceDrop(t *testing.T) {
	rt := newRuntime(t, nil)
	deposit(t, rt, "DAI", bob, eth(100_000))
	deposit(t, rt, "WETH", alice, eth(10))
	require.NoError(t, borrow(rt, "DAI", alice, eth(15_000)))
	require.NoError(t, rt.Mint(admin, "DAI", bob, eth(20_000)))

	_, _, err := rt.Liquidate(context.Background(), "DAI", "WETH", bob, alice, fp.MaxUint256)
	require.ErrorIs(t, err, lending.ErrInsufficientShortfall)

	require.NoError(t, rt.SetPrice("WETH", fp.Wad(1500)))
	repaid, written, err := rt.Liquidate(context.Background(), "DAI", "WETH", bob, alice, fp.MaxUint256)
	require.NoError(t, err)
	require.False(t, repaid.IsZero())
	require.Empty(t, written)

	var seized uint256.Int
	require.NoError(t, rt.View("WETH", func(m *lending.Market) error {
		var err error
		seized, err = m.MaxWithdraw(bob)
		return err
	}))
	require.True(t, seized.IsZero(), "seized collateral is pushed to the liquidator's wallet")
	wallet, err := rt.Balance("WETH", bob)
	require.NoError(t, err)
	require.False(t, wallet.IsZero())
}

func TestRuntimePause(t *testing.T) {
	rt := newRuntime(t, nil)
	require.ErrorIs(t, rt.SetPaused(alice, "DAI", true), ErrUnauthorized)
	require.NoError(t, rt.SetPaused(admin, "DAI", true))
	require.True(t, rt.Paused("dai"))
	require.False(t, rt.Paused("WETH"))

	require.NoError(t, rt.Mint(admin, "DAI", alice, eth(1)))
	err := rt.Update(context.Background(), "DAI", "deposit", func(ctx context.Context, m *lending.Market) error {
		_, err := m.Deposit(ctx, alice, eth(1), alice)
		return err
	})
	require.ErrorIs(t, err, lending.ErrModulePaused)
	deposit(t, rt, "WETH", alice, eth(1))

	require.NoError(t, rt.SetPaused(admin, "", true))
	require.True(t, rt.Paused("WETH"))
	require.NoError(t, rt.SetPaused(admin, "", false))
	require.NoError(t, rt.SetPaused(admin, "DAI", false))
	require.False(t, rt.Paused("DAI"))
}

func TestRuntimeCheckpointRestore(t *testing.T) {
	store := storage.NewMarketStore(storage.NewMemDB())
	rt := newRuntime(t, store)
	deposit(t, rt, "DAI", bob, eth(1_000))
	deposit(t, rt, "WETH", alice, eth(2))
	require.NoError(t, borrow(rt, "DAI", alice, eth(100)))

	cp, err := rt.Checkpoint(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"DAI", "WETH"}, cp.Markets)

	restored := newRuntime(t, store)
	ok, err := restored.Restore()
	require.NoError(t, err)
	require.True(t, ok)

	for _, symbol := range []string{"DAI", "WETH"} {
		var want, got []byte
		require.NoError(t, rt.View(symbol, func(m *lending.Market) error {
			want, err = m.Export()
			return err
		}))
		require.NoError(t, restored.View(symbol, func(m *lending.Market) error {
			got, err = m.Export()
			return err
		}))
		require.Equal(t, want, got, symbol)
	}
	wallet, err := restored.Balance("DAI", alice)
	require.NoError(t, err)
	require.Equal(t, eth(100), wallet)

	fresh := newRuntime(t, storage.NewMarketStore(storage.NewMemDB()))
	ok, err = fresh.Restore()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHubDropsSlowSubscribers(t *testing.T) {
	hub := NewHub(nil, nil)
	ch, cancel := hub.Subscribe(1)
	defer cancel()
	hub.Emit(events.LendingSeize{Market: "dai"})
	hub.Emit(events.LendingSeize{Market: "dai"})
	env, ok := <-ch
	require.True(t, ok)
	require.Equal(t, events.TypeLendingSeize, env.Type)
	_, ok = <-ch
	require.False(t, ok, "subscriber channel should be closed after overflow")
}

func TestHubSinkErrorsDoNotStopDelivery(t *testing.T) {
	failing := &memorySink{err: errors.New("disk full")}
	ok := &memorySink{}
	hub := NewHub(nil, nil, failing, ok)
	hub.Resume(41)
	hub.Emit(events.LendingSeize{Market: "weth"})
	require.Len(t, ok.envs, 1)
	require.EqualValues(t, 42, ok.envs[0].Sequence)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	rt := newRuntime(t, nil)
	_, err := NewScheduler(context.Background(), rt, "every minute")
	require.Error(t, err)
	s, err := NewScheduler(context.Background(), rt, "@every 1h")
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
