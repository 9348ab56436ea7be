package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/walletscout/engine/internal/decode"
	"github.com/walletscout/engine/internal/store"
)

// PriceSource yields the current USD price of SOL. It must never block on a
// refresh; staleness is acceptable.
type PriceSource interface {
	Get() float64
}

// EventSink receives every emitted trade event for batched persistence.
type EventSink interface {
	Add(ev store.TradeEvent)
}

// StatsSink receives every emitted trade event inline, before batching
// latency affects durability.
type StatsSink interface {
	Apply(ctx context.Context, ev store.TradeEvent)
}

// FilterTracked intersects a transaction's account keys with the tracked
// wallet set. An empty result drops the transaction before any decode work.
func FilterTracked(accountKeys []string, tracked map[string]string) []string {
	var found []string
	for _, key := range accountKeys {
		if _, ok := tracked[key]; ok {
			found = append(found, key)
		}
	}
	return found
}

// Processor runs the filter → decode → attribute pipeline over delivered
// transactions and fans the resulting trade events out to the event buffer
// and the statistics engine.
type Processor struct {
	program string
	tracked map[string]string
	price   PriceSource
	events  EventSink
	stats   StatsSink

	now func() time.Time
}

// NewProcessor wires a pipeline for one target program and tracked-wallet
// set. The tracked map and sinks must outlive the processor.
func NewProcessor(program string, tracked map[string]string, price PriceSource, events EventSink, stats StatsSink) *Processor {
	return &Processor{
		program: program,
		tracked: tracked,
		price:   price,
		events:  events,
		stats:   stats,
		now:     time.Now,
	}
}

type decodedIx struct {
	index int
	res   decode.Result
}

// HandleTransaction processes one delivered transaction end to end and
// returns the number of trade events emitted. Malformed pieces degrade to
// UNKNOWN events or are skipped; the method never fails the stream.
func (p *Processor) HandleTransaction(ctx context.Context, tx *Transaction) int {
	matched := FilterTracked(tx.AccountKeys, p.tracked)
	if len(matched) == 0 {
		return 0
	}

	// Decode every instruction addressed to the target program.
	var decoded []decodedIx
	for i, ix := range tx.Instructions {
		if ix.ProgramIndex < 0 || ix.ProgramIndex >= len(tx.AccountKeys) {
			slog.Warn("instruction_program_index_out_of_range",
				"sig", shortSig(tx.Signature), "index", ix.ProgramIndex)
			continue
		}
		if tx.AccountKeys[ix.ProgramIndex] != p.program {
			continue
		}
		res := decode.Instruction(ix.Data, tx.AccountKeys)
		if res.Skipped {
			continue
		}
		decoded = append(decoded, decodedIx{index: i, res: res})
	}
	if len(decoded) == 0 {
		slog.Debug("no_program_instructions", "sig", shortSig(tx.Signature))
		return 0
	}

	receivedAt := p.now()
	priceUSD := p.price.Get()
	feeSOL := float64(tx.FeeLamports) / decode.LamportsPerSol

	slog.Info("tracked_wallet_activity",
		"sig", shortSig(tx.Signature),
		"slot", tx.Slot,
		"wallets", len(matched),
		"instructions", len(decoded),
	)

	var emitted int
	for _, wallet := range matched {
		att := decode.AttributeBalance(tx.PreBalances, tx.PostBalances, accountIndex(tx.AccountKeys, wallet))

		for _, d := range decoded {
			ev := store.TradeEvent{
				ReceivedAt:       receivedAt,
				Slot:             tx.Slot,
				Signature:        tx.Signature,
				Wallet:           wallet,
				Alias:            p.tracked[wallet],
				Program:          p.program,
				Action:           d.res.Action,
				Mint:             d.res.Mint,
				IxIndex:          d.index,
				PriceUSD:         priceUSD,
				FeeSOL:           feeSOL,
				PreBalanceSOL:    att.PreSOL,
				PostBalanceSOL:   att.PostSOL,
				BalanceChangeSOL: att.Delta(),
				DecodeOK:         d.res.OK,
				DecodeErr:        d.res.Diag,
			}

			switch d.res.Action {
			case store.ActionBuy:
				if d.res.HasTokenAmount {
					ev.AmountIn = float64(d.res.TokenAmount)
				}
				ev.AmountOut = att.Spent
			case store.ActionSell:
				if d.res.HasTokenAmount {
					ev.AmountIn = float64(d.res.TokenAmount)
				}
				ev.AmountOut = att.Received
			}

			p.events.Add(ev)
			p.stats.Apply(ctx, ev)
			emitted++

			logTrade(&ev)
		}
	}

	return emitted
}

func logTrade(ev *store.TradeEvent) {
	switch ev.Action {
	case store.ActionBuy:
		slog.Info("trade_buy",
			"wallet", walletLabel(ev), "mint", shortSig(ev.Mint),
			"tokens", ev.AmountIn, "sol", ev.AmountOut,
			"usd", ev.AmountOut*ev.PriceUSD,
		)
	case store.ActionSell:
		slog.Info("trade_sell",
			"wallet", walletLabel(ev), "mint", shortSig(ev.Mint),
			"tokens", ev.AmountIn, "sol", ev.AmountOut,
			"usd", ev.AmountOut*ev.PriceUSD,
		)
	case store.ActionCreate:
		slog.Info("token_created", "wallet", walletLabel(ev), "mint", shortSig(ev.Mint))
	}
}

func walletLabel(ev *store.TradeEvent) string {
	if ev.Alias != "" {
		return ev.Alias
	}
	return shortSig(ev.Wallet)
}

func accountIndex(keys []string, wallet string) int {
	for i, k := range keys {
		if k == wallet {
			return i
		}
	}
	return -1
}

// shortSig shortens an address or signature for logging.
func shortSig(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8] + "..."
}
