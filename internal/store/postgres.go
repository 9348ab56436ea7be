package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres wraps a pgx connection pool with the engine's persistence
// operations: idempotent event inserts, wallet ledger upserts, and the
// ranking query.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres opens a connection pool against the given URL and verifies it
// with a ping.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	cfg.ConnConfig.RuntimeParams["lock_timeout"] = "10000"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// Ping checks database reachability.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InitSchema creates the engine's tables when they do not exist yet.
func (s *Postgres) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			wallet      TEXT PRIMARY KEY,
			alias       TEXT,
			is_tracked  BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS trade_events (
			received_at        TIMESTAMPTZ NOT NULL,
			slot               BIGINT,
			sig                TEXT NOT NULL,
			wallet             TEXT NOT NULL,
			alias              TEXT,
			program            TEXT NOT NULL,
			action             TEXT NOT NULL,
			mint               TEXT,
			ix_index           INT,
			amount_in          DOUBLE PRECISION,
			amount_out         DOUBLE PRECISION,
			price_est          DOUBLE PRECISION,
			fee_sol            DOUBLE PRECISION,
			pre_balance_sol    DOUBLE PRECISION,
			post_balance_sol   DOUBLE PRECISION,
			balance_change_sol DOUBLE PRECISION,
			decode_ok          BOOLEAN NOT NULL DEFAULT TRUE,
			decode_err         TEXT,
			PRIMARY KEY (sig, wallet, action)
		)`,
		`CREATE TABLE IF NOT EXISTS wallet_stats (
			wallet          TEXT PRIMARY KEY,
			first_seen      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			total_trades    INT NOT NULL DEFAULT 0,
			buy_count       INT NOT NULL DEFAULT 0,
			sell_count      INT NOT NULL DEFAULT 0,
			create_count    INT NOT NULL DEFAULT 0,
			total_sol_in    DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_sol_out   DOUBLE PRECISION NOT NULL DEFAULT 0,
			net_pnl_sol     DOUBLE PRECISION NOT NULL DEFAULT 0,
			realized_wins   INT NOT NULL DEFAULT 0,
			realized_losses INT NOT NULL DEFAULT 0,
			win_rate        DOUBLE PRECISION NOT NULL DEFAULT 0,
			is_tracked      BOOLEAN NOT NULL DEFAULT FALSE,
			profit_score    DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			wallet       TEXT NOT NULL,
			mint         TEXT NOT NULL,
			bought_at    TIMESTAMPTZ NOT NULL,
			token_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
			sol_spent    DOUBLE PRECISION NOT NULL DEFAULT 0,
			is_closed    BOOLEAN NOT NULL DEFAULT FALSE,
			sold_at      TIMESTAMPTZ,
			sol_received DOUBLE PRECISION,
			realized_pnl DOUBLE PRECISION,
			PRIMARY KEY (wallet, mint, bought_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_open
			ON positions (wallet, mint, bought_at) WHERE NOT is_closed`,
		`CREATE INDEX IF NOT EXISTS idx_wallet_stats_score
			ON wallet_stats (profit_score DESC) WHERE total_trades >= 10`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// LoadTrackedWallets returns the address → alias map of wallets flagged as
// tracked. Wallets without an alias map to the empty string.
func (s *Postgres) LoadTrackedWallets(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT wallet, alias FROM wallets WHERE is_tracked`)
	if err != nil {
		return nil, fmt.Errorf("load tracked wallets: %w", err)
	}
	defer rows.Close()

	tracked := make(map[string]string)
	for rows.Next() {
		var wallet string
		var alias *string
		if err := rows.Scan(&wallet, &alias); err != nil {
			return nil, fmt.Errorf("scan wallet row: %w", err)
		}
		if alias != nil {
			tracked[wallet] = *alias
		} else {
			tracked[wallet] = ""
		}
	}
	return tracked, rows.Err()
}

const insertEventSQL = `
	INSERT INTO trade_events (
		received_at, slot, sig, wallet, alias, program, action, mint, ix_index,
		amount_in, amount_out, price_est, fee_sol,
		pre_balance_sol, post_balance_sol, balance_change_sol,
		decode_ok, decode_err
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	ON CONFLICT (sig, wallet, action) DO NOTHING`

func eventArgs(ev *TradeEvent) []any {
	return []any{
		ev.ReceivedAt, ev.Slot, ev.Signature, ev.Wallet, ev.Alias, ev.Program,
		string(ev.Action), ev.Mint, ev.IxIndex,
		ev.AmountIn, ev.AmountOut, ev.PriceUSD, ev.FeeSOL,
		ev.PreBalanceSOL, ev.PostBalanceSOL, ev.BalanceChangeSOL,
		ev.DecodeOK, ev.DecodeErr,
	}
}

// InsertEventsAtomic persists a batch inside one transaction: either every
// row commits or none do. Rows whose (sig, wallet, action) key already exists
// are silently skipped.
func (s *Postgres) InsertEventsAtomic(ctx context.Context, events []TradeEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin event batch: %w", err)
	}
	defer tx.Rollback(ctx)

	for i := range events {
		if _, err := tx.Exec(ctx, insertEventSQL, eventArgs(&events[i])...); err != nil {
			return fmt.Errorf("insert event %s/%s: %w", events[i].Signature, events[i].Action, err)
		}
	}
	return tx.Commit(ctx)
}

// InsertEventsBestEffort attempts each row independently; failing rows are
// logged and skipped while the rest still commit. Returns the number of rows
// attempted successfully.
func (s *Postgres) InsertEventsBestEffort(ctx context.Context, events []TradeEvent) (int, error) {
	var inserted int
	for i := range events {
		if _, err := s.pool.Exec(ctx, insertEventSQL, eventArgs(&events[i])...); err != nil {
			slog.Warn("event_insert_failed",
				"sig", events[i].Signature,
				"wallet", events[i].Wallet,
				"action", events[i].Action,
				"error", err,
			)
			continue
		}
		inserted++
	}
	return inserted, nil
}

// ApplyTrade upserts the per-wallet aggregate counters for one trade action.
// The increments run as single conditional read-modify-write statements, so
// concurrent writers serialize on the row.
func (s *Postgres) ApplyTrade(ctx context.Context, wallet string, action Action, solAmount float64) error {
	var err error
	switch action {
	case ActionBuy:
		_, err = s.pool.Exec(ctx, `
			INSERT INTO wallet_stats (wallet, total_trades, buy_count, total_sol_in)
			VALUES ($1, 1, 1, $2)
			ON CONFLICT (wallet) DO UPDATE SET
				last_seen = NOW(),
				total_trades = wallet_stats.total_trades + 1,
				buy_count = wallet_stats.buy_count + 1,
				total_sol_in = wallet_stats.total_sol_in + $2`,
			wallet, solAmount)
	case ActionSell:
		_, err = s.pool.Exec(ctx, `
			INSERT INTO wallet_stats (wallet, total_trades, sell_count, total_sol_out)
			VALUES ($1, 1, 1, $2)
			ON CONFLICT (wallet) DO UPDATE SET
				last_seen = NOW(),
				total_trades = wallet_stats.total_trades + 1,
				sell_count = wallet_stats.sell_count + 1,
				total_sol_out = wallet_stats.total_sol_out + $2,
				net_pnl_sol = wallet_stats.total_sol_out + $2 - wallet_stats.total_sol_in`,
			wallet, solAmount)
	case ActionCreate:
		_, err = s.pool.Exec(ctx, `
			INSERT INTO wallet_stats (wallet, total_trades, create_count)
			VALUES ($1, 1, 1)
			ON CONFLICT (wallet) DO UPDATE SET
				last_seen = NOW(),
				total_trades = wallet_stats.total_trades + 1,
				create_count = wallet_stats.create_count + 1`,
			wallet)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply %s for %s: %w", action, wallet, err)
	}

	return s.UpdateProfitScore(ctx, wallet)
}

// OpenPosition records SOL spent into the (wallet, mint, boughtAt) lot,
// creating it when the first buy in that bucket arrives and accumulating on
// repeat buys at the same instant.
func (s *Postgres) OpenPosition(ctx context.Context, wallet, mint string, boughtAt time.Time, tokenAmount, solSpent float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (wallet, mint, bought_at, token_amount, sol_spent)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (wallet, mint, bought_at) DO UPDATE SET
			token_amount = positions.token_amount + $4,
			sol_spent = positions.sol_spent + $5`,
		wallet, mint, boughtAt, tokenAmount, solSpent)
	if err != nil {
		return fmt.Errorf("open position %s/%s: %w", wallet, mint, err)
	}
	return nil
}

// OldestOpenPosition returns the open lot with the smallest bought_at for the
// (wallet, mint) pair, or nil when the wallet holds no open lot of the mint.
func (s *Postgres) OldestOpenPosition(ctx context.Context, wallet, mint string) (*Position, error) {
	pos := Position{Wallet: wallet, Mint: mint}
	err := s.pool.QueryRow(ctx, `
		SELECT bought_at, token_amount, sol_spent FROM positions
		WHERE wallet = $1 AND mint = $2 AND NOT is_closed
		ORDER BY bought_at ASC LIMIT 1`,
		wallet, mint).Scan(&pos.BoughtAt, &pos.TokenAmount, &pos.SolSpent)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oldest open position %s/%s: %w", wallet, mint, err)
	}
	return &pos, nil
}

// SettlePosition closes the oldest open lot for (wallet, mint) against the
// SOL received, records the realized win or loss, and refreshes the wallet's
// win rate. A sell with no open lot only touches nothing here; the caller has
// already applied the wallet-level totals.
func (s *Postgres) SettlePosition(ctx context.Context, wallet, mint string, soldAt time.Time, solReceived float64) error {
	pos, err := s.OldestOpenPosition(ctx, wallet, mint)
	if err != nil {
		return err
	}
	if pos == nil {
		return nil
	}

	pnl := solReceived - pos.SolSpent

	_, err = s.pool.Exec(ctx, `
		UPDATE positions SET
			is_closed = TRUE,
			sold_at = $4,
			sol_received = $5,
			realized_pnl = $6
		WHERE wallet = $1 AND mint = $2 AND bought_at = $3`,
		wallet, mint, pos.BoughtAt, soldAt, solReceived, pnl)
	if err != nil {
		return fmt.Errorf("close position %s/%s: %w", wallet, mint, err)
	}

	outcome := `realized_losses = realized_losses + 1`
	if pnl > 0 {
		outcome = `realized_wins = realized_wins + 1`
	}
	_, err = s.pool.Exec(ctx, `UPDATE wallet_stats SET `+outcome+` WHERE wallet = $1`, wallet)
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", wallet, err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE wallet_stats SET
			win_rate = CASE
				WHEN (realized_wins + realized_losses) > 0
				THEN realized_wins::float / (realized_wins + realized_losses)
				ELSE 0
			END
		WHERE wallet = $1`,
		wallet)
	if err != nil {
		return fmt.Errorf("update win rate for %s: %w", wallet, err)
	}
	return nil
}

// UpdateProfitScore recomputes the ranking score for one wallet. Wallets
// under the trade-count threshold score zero.
func (s *Postgres) UpdateProfitScore(ctx context.Context, wallet string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE wallet_stats SET
			profit_score = CASE
				WHEN total_trades >= $2 THEN
					(net_pnl_sol * win_rate * total_trades) / 100.0
				ELSE 0
			END
		WHERE wallet = $1`,
		wallet, MinScoredTrades)
	if err != nil {
		return fmt.Errorf("update profit score for %s: %w", wallet, err)
	}
	return nil
}

// TopWallets returns the highest-scoring wallets with enough trade history,
// ordered by profit score descending.
func (s *Postgres) TopWallets(ctx context.Context, limit int) ([]WalletStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT wallet, first_seen, last_seen, total_trades, buy_count, sell_count,
		       create_count, total_sol_in, total_sol_out, net_pnl_sol,
		       realized_wins, realized_losses, win_rate, is_tracked, profit_score
		FROM wallet_stats
		WHERE total_trades >= $1
		ORDER BY profit_score DESC
		LIMIT $2`,
		MinScoredTrades, limit)
	if err != nil {
		return nil, fmt.Errorf("top wallets: %w", err)
	}
	defer rows.Close()

	var out []WalletStats
	for rows.Next() {
		var w WalletStats
		if err := rows.Scan(
			&w.Wallet, &w.FirstSeen, &w.LastSeen, &w.TotalTrades, &w.BuyCount,
			&w.SellCount, &w.CreateCount, &w.TotalSolIn, &w.TotalSolOut,
			&w.NetPnLSol, &w.RealizedWins, &w.RealizedLosses, &w.WinRate,
			&w.Tracked, &w.ProfitScore,
		); err != nil {
			return nil, fmt.Errorf("scan wallet stats: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
