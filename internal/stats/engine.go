// Package stats maintains the per-wallet trading ledger: aggregate counters,
// FIFO position lots, realized PnL, win rate, and the profitability ranking.
package stats

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/walletscout/engine/internal/store"
)

// Ledger mirrors in-memory updates to durable storage. Implementations must
// use atomic increment/upsert semantics so concurrent writers serialize on
// the wallet row; *store.Postgres satisfies this.
type Ledger interface {
	ApplyTrade(ctx context.Context, wallet string, action store.Action, solAmount float64) error
	OpenPosition(ctx context.Context, wallet, mint string, boughtAt time.Time, tokenAmount, solSpent float64) error
	SettlePosition(ctx context.Context, wallet, mint string, soldAt time.Time, solReceived float64) error
}

type posKey struct {
	wallet string
	mint   string
}

// Engine consumes trade events inline as the stream produces them and keeps
// the authoritative in-memory ledger. Every update is mirrored to the Ledger
// (when one is attached) so state survives restarts; mirror failures are
// logged and never stall ingestion.
type Engine struct {
	mu        sync.Mutex
	wallets   map[string]*store.WalletStats
	positions map[posKey][]*store.Position
	ledger    Ledger
}

// NewEngine creates an Engine. ledger may be nil, in which case updates stay
// in memory only.
func NewEngine(ledger Ledger) *Engine {
	return &Engine{
		wallets:   make(map[string]*store.WalletStats),
		positions: make(map[posKey][]*store.Position),
		ledger:    ledger,
	}
}

// Apply folds one trade event into the ledger. CREATE, BUY and SELL mutate
// the wallet's aggregates; WITHDRAW and UNKNOWN carry no ledger semantics and
// are ignored. The in-process lock is released before any mirror I/O runs.
func (e *Engine) Apply(ctx context.Context, ev store.TradeEvent) {
	switch ev.Action {
	case store.ActionCreate, store.ActionBuy, store.ActionSell:
	default:
		return
	}

	e.mu.Lock()

	w, ok := e.wallets[ev.Wallet]
	if !ok {
		// Only tracked wallets reach the engine; the filter runs upstream.
		w = &store.WalletStats{
			Wallet:    ev.Wallet,
			FirstSeen: ev.ReceivedAt,
			Tracked:   true,
		}
		e.wallets[ev.Wallet] = w
		slog.Info("wallet_discovered", "wallet", ev.Wallet, "alias", ev.Alias)
	}

	w.TotalTrades++
	w.LastSeen = ev.ReceivedAt

	var settled bool
	switch ev.Action {
	case store.ActionCreate:
		w.CreateCount++

	case store.ActionBuy:
		w.BuyCount++
		w.TotalSolIn += ev.AmountOut
		e.openLot(ev)

	case store.ActionSell:
		w.SellCount++
		w.TotalSolOut += ev.AmountOut
		settled = e.closeOldestLot(w, ev)
	}

	w.NetPnLSol = w.TotalSolOut - w.TotalSolIn
	if w.TotalTrades >= store.MinScoredTrades {
		w.ProfitScore = (w.NetPnLSol * w.WinRate * float64(w.TotalTrades)) / 100.0
	} else {
		w.ProfitScore = 0
	}

	e.mu.Unlock()

	e.mirror(ctx, ev, settled)
}

// openLot accumulates a buy into the open lot bucketed at the event's
// timestamp, creating the lot on the first buy at that instant.
// Caller holds e.mu.
func (e *Engine) openLot(ev store.TradeEvent) {
	if ev.Mint == "" {
		return
	}
	key := posKey{ev.Wallet, ev.Mint}
	for _, p := range e.positions[key] {
		if !p.Closed && p.BoughtAt.Equal(ev.ReceivedAt) {
			p.SolSpent += ev.AmountOut
			p.TokenAmount += ev.AmountIn
			return
		}
	}
	e.positions[key] = append(e.positions[key], &store.Position{
		Wallet:      ev.Wallet,
		Mint:        ev.Mint,
		BoughtAt:    ev.ReceivedAt,
		TokenAmount: ev.AmountIn,
		SolSpent:    ev.AmountOut,
	})
}

// closeOldestLot settles a sell against the open lot with the smallest
// BoughtAt (strict FIFO) and records the realized outcome. A sell with no
// open lot leaves positions and win/loss counters untouched.
// Caller holds e.mu.
func (e *Engine) closeOldestLot(w *store.WalletStats, ev store.TradeEvent) bool {
	if ev.Mint == "" {
		return false
	}

	var oldest *store.Position
	for _, p := range e.positions[posKey{ev.Wallet, ev.Mint}] {
		if p.Closed {
			continue
		}
		if oldest == nil || p.BoughtAt.Before(oldest.BoughtAt) {
			oldest = p
		}
	}
	if oldest == nil {
		return false
	}

	oldest.Closed = true
	oldest.SoldAt = ev.ReceivedAt
	oldest.SolReceived = ev.AmountOut
	oldest.RealizedPnL = ev.AmountOut - oldest.SolSpent

	if oldest.RealizedPnL > 0 {
		w.RealizedWins++
	} else {
		w.RealizedLosses++
	}
	w.WinRate = float64(w.RealizedWins) / float64(w.RealizedWins+w.RealizedLosses)
	return true
}

// mirror replays the update against the durable ledger.
func (e *Engine) mirror(ctx context.Context, ev store.TradeEvent, settled bool) {
	if e.ledger == nil {
		return
	}

	if err := e.ledger.ApplyTrade(ctx, ev.Wallet, ev.Action, ev.AmountOut); err != nil {
		slog.Warn("ledger_apply_failed", "wallet", ev.Wallet, "action", ev.Action, "error", err)
		return
	}

	switch ev.Action {
	case store.ActionBuy:
		if ev.Mint == "" {
			return
		}
		if err := e.ledger.OpenPosition(ctx, ev.Wallet, ev.Mint, ev.ReceivedAt, ev.AmountIn, ev.AmountOut); err != nil {
			slog.Warn("ledger_open_position_failed", "wallet", ev.Wallet, "mint", ev.Mint, "error", err)
		}
	case store.ActionSell:
		if !settled {
			return
		}
		if err := e.ledger.SettlePosition(ctx, ev.Wallet, ev.Mint, ev.ReceivedAt, ev.AmountOut); err != nil {
			slog.Warn("ledger_settle_position_failed", "wallet", ev.Wallet, "mint", ev.Mint, "error", err)
		}
	}
}

// Stats returns a copy of one wallet's aggregates.
func (e *Engine) Stats(wallet string) (store.WalletStats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.wallets[wallet]
	if !ok {
		return store.WalletStats{}, false
	}
	return *w, true
}

// OpenLots returns copies of the still-open lots for a (wallet, mint) pair,
// oldest first.
func (e *Engine) OpenLots(wallet, mint string) []store.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []store.Position
	for _, p := range e.positions[posKey{wallet, mint}] {
		if !p.Closed {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BoughtAt.Before(out[j].BoughtAt) })
	return out
}

// TopWallets returns up to limit wallets with enough trade history, ordered
// by profit score descending.
func (e *Engine) TopWallets(limit int) []store.WalletStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []store.WalletStats
	for _, w := range e.wallets {
		if w.TotalTrades >= store.MinScoredTrades {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProfitScore > out[j].ProfitScore })
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
