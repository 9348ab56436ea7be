// Package store provides data models and Postgres persistence.
package store

import "time"

// Action is the kind of program operation decoded from an instruction.
type Action string

const (
	ActionCreate   Action = "CREATE"
	ActionBuy      Action = "BUY"
	ActionSell     Action = "SELL"
	ActionWithdraw Action = "WITHDRAW"
	ActionUnknown  Action = "UNKNOWN"
)

// TrackedWallet is a wallet address under observation. Rows are maintained
// externally (seed scripts, manual curation); the engine only reads them.
type TrackedWallet struct {
	Address string
	Alias   string
	Tracked bool
}

// TradeEvent is one decoded action observed for one wallet in one transaction.
// Identity key is (Signature, Wallet, Action); the persistence layer ignores
// duplicates under that key.
type TradeEvent struct {
	// ReceivedAt is the local receive timestamp of the feed message
	ReceivedAt time.Time

	// Slot is the slot the transaction landed in
	Slot uint64

	// Signature is the transaction signature (base58)
	Signature string

	// Wallet is the tracked wallet address this event is attributed to
	Wallet string

	// Alias is the wallet's human-readable name, if one is configured
	Alias string

	// Program is the program address the instruction was sent to
	Program string

	// Action is the decoded action kind
	Action Action

	// Mint is the token mint involved, empty when not resolvable
	Mint string

	// IxIndex is the instruction's index within the transaction
	IxIndex int

	// AmountIn is the token amount for BUY/SELL, zero when absent
	AmountIn float64

	// AmountOut is the SOL amount: spent on BUY, received on SELL
	AmountOut float64

	// PriceUSD is the estimated USD price of SOL at receive time
	PriceUSD float64

	// FeeSOL is the transaction fee in SOL
	FeeSOL float64

	// PreBalanceSOL is the wallet's SOL balance before the transaction
	PreBalanceSOL float64

	// PostBalanceSOL is the wallet's SOL balance after the transaction
	PostBalanceSOL float64

	// BalanceChangeSOL is PostBalanceSOL - PreBalanceSOL
	BalanceChangeSOL float64

	// DecodeOK reports whether the instruction decoded to a known action
	DecodeOK bool

	// DecodeErr carries the decode diagnostic when DecodeOK is false
	DecodeErr string
}

// Position is one purchase lot of a mint held by a wallet. Repeated buys at
// the same instant accumulate into one lot; a lot is closed exactly once, by
// the FIFO-matching sell.
type Position struct {
	Wallet      string
	Mint        string
	BoughtAt    time.Time
	TokenAmount float64
	SolSpent    float64
	Closed      bool
	SoldAt      time.Time
	SolReceived float64
	RealizedPnL float64
}

// WalletStats is the per-wallet aggregate ledger row. Counters are mutated
// incrementally by every processed event, never recomputed from history.
type WalletStats struct {
	Wallet         string
	FirstSeen      time.Time
	LastSeen       time.Time
	TotalTrades    int
	BuyCount       int
	SellCount      int
	CreateCount    int
	TotalSolIn     float64
	TotalSolOut    float64
	NetPnLSol      float64
	RealizedWins   int
	RealizedLosses int
	WinRate        float64
	Tracked        bool
	ProfitScore    float64
}

// MinScoredTrades is the trade count below which a wallet's profit score
// stays zero and the wallet is excluded from the ranking.
const MinScoredTrades = 10
