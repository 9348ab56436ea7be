// Package decode turns raw program instruction bytes into typed trade actions.
package decode

import (
	"bytes"
	"encoding/hex"
	"fmt"

	ag_binary "github.com/gagliardetto/binary"

	"github.com/walletscout/engine/internal/store"
)

// Instruction discriminators: the first 8 bytes of the payload, derived from
// the program's method name hashes.
var (
	discriminatorCreate   = []byte{0x18, 0x1e, 0xc8, 0x28, 0x05, 0x1c, 0x07, 0x77}
	discriminatorBuy      = []byte{0x66, 0x06, 0x3d, 0x12, 0x01, 0xda, 0xeb, 0xea}
	discriminatorSell     = []byte{0x33, 0xe6, 0x85, 0xa4, 0x01, 0x7f, 0x83, 0xad}
	discriminatorWithdraw = []byte{0xb7, 0x12, 0x46, 0x9c, 0x94, 0x6d, 0xa1, 0x22}

	// Administrative operations the program exposes but which carry no trade
	// semantics. Recognized so they are skipped quietly instead of being
	// reported as decode failures.
	discriminatorInitialize = []byte{0xaf, 0xaf, 0x6d, 0x1f, 0x0d, 0x98, 0x9b, 0xed}
	discriminatorSetParams  = []byte{0x1b, 0xea, 0xb2, 0x34, 0x93, 0x02, 0xbb, 0x8d}
)

// Mint account index per action kind, within the transaction's account list.
const (
	createMintIndex = 0
	tradeMintIndex  = 2
)

// Result is the outcome of decoding a single instruction. It is always
// well-formed: malformed input degrades to an UNKNOWN result, never an error.
type Result struct {
	Action store.Action

	// Mint is the resolved token mint address, empty if the account list is
	// too short to contain it.
	Mint string

	// TokenAmount is the raw token amount argument, valid when HasTokenAmount.
	TokenAmount    uint64
	HasTokenAmount bool

	// SolCost is the SOL cost bound argument: max to spend for BUY, min to
	// receive for SELL. Valid when HasSolCost.
	SolCost    uint64
	HasSolCost bool

	// OK reports whether the payload decoded to a known trade action.
	OK bool

	// Skipped marks recognized administrative operations that are dropped
	// without being treated as failures.
	Skipped bool

	// Diag carries a diagnostic for UNKNOWN results.
	Diag string
}

// Instruction decodes a raw instruction payload against the transaction's
// ordered account address list. It never returns an error; anything it cannot
// interpret comes back as an UNKNOWN result with a diagnostic.
func Instruction(data []byte, accounts []string) Result {
	if len(data) < 8 {
		return Result{
			Action: store.ActionUnknown,
			Diag:   fmt.Sprintf("payload too short: %d bytes", len(data)),
		}
	}

	disc := data[:8]

	var action store.Action
	switch {
	case bytes.Equal(disc, discriminatorCreate):
		action = store.ActionCreate
	case bytes.Equal(disc, discriminatorBuy):
		action = store.ActionBuy
	case bytes.Equal(disc, discriminatorSell):
		action = store.ActionSell
	case bytes.Equal(disc, discriminatorWithdraw):
		action = store.ActionWithdraw
	case bytes.Equal(disc, discriminatorInitialize), bytes.Equal(disc, discriminatorSetParams):
		return Result{Action: store.ActionUnknown, Skipped: true}
	default:
		return Result{
			Action: store.ActionUnknown,
			Diag:   fmt.Sprintf("unrecognized discriminator %s", hex.EncodeToString(disc)),
		}
	}

	res := Result{Action: action, OK: true}

	// Mint comes from a fixed account index per action kind. An account list
	// too short to contain it means no mint, not a failure.
	mintIdx := tradeMintIndex
	if action == store.ActionCreate {
		mintIdx = createMintIndex
	}
	if mintIdx < len(accounts) {
		res.Mint = accounts[mintIdx]
	}

	// Arguments follow the discriminator borsh-encoded: u64 token amount,
	// then u64 SOL cost bound. Shorter payloads simply omit them.
	dec := ag_binary.NewBorshDecoder(data[8:])
	if len(data) >= 16 {
		amt, err := dec.ReadUint64(ag_binary.LE)
		if err == nil {
			res.TokenAmount = amt
			res.HasTokenAmount = true
		}
	}
	if len(data) >= 24 {
		cost, err := dec.ReadUint64(ag_binary.LE)
		if err == nil {
			res.SolCost = cost
			res.HasSolCost = true
		}
	}

	return res
}
