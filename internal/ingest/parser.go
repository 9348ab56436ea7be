// Package ingest handles the WebSocket transaction feed: subscription,
// message parsing, and the per-transaction decode pipeline.
package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/mr-tron/base58"
)

// Transaction is one delivered feed message, reduced to the fields the
// pipeline consumes.
type Transaction struct {
	Signature    string
	Slot         uint64
	FeeLamports  uint64
	AccountKeys  []string
	PreBalances  []uint64
	PostBalances []uint64
	Instructions []Instruction
}

// Instruction is one top-level instruction of a transaction. Data is the raw
// decoded payload; a payload that failed base58 decoding comes through empty
// so the decoder degrades it to UNKNOWN instead of aborting the transaction.
type Instruction struct {
	ProgramIndex int
	Accounts     []int
	Data         []byte
}

// Feed wire format: JSON-RPC transactionSubscribe notifications.

type wsEnvelope struct {
	Method string          `json:"method"`
	Params *wsParams       `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *wsError        `json:"error"`
	ID     json.RawMessage `json:"id"`
}

type wsError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type wsParams struct {
	Subscription uint64   `json:"subscription"`
	Result       wsResult `json:"result"`
}

type wsResult struct {
	Signature   string `json:"signature"`
	Slot        uint64 `json:"slot"`
	Transaction struct {
		Meta *struct {
			Err          json.RawMessage `json:"err"`
			Fee          uint64          `json:"fee"`
			PreBalances  []uint64        `json:"preBalances"`
			PostBalances []uint64        `json:"postBalances"`
		} `json:"meta"`
		Transaction *struct {
			Signatures []string `json:"signatures"`
			Message    struct {
				AccountKeys  []string `json:"accountKeys"`
				Instructions []struct {
					ProgramIDIndex int    `json:"programIdIndex"`
					Accounts       []int  `json:"accounts"`
					Data           string `json:"data"`
				} `json:"instructions"`
			} `json:"message"`
		} `json:"transaction"`
	} `json:"transaction"`
}

// ParseMessage parses one raw feed message. Subscription acks, errors, and
// other notification methods return a nil transaction with a message type for
// logging.
func ParseMessage(data []byte) (*Transaction, string, error) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", fmt.Errorf("malformed feed message: %w", err)
	}

	if env.Error != nil {
		return nil, "error", fmt.Errorf("feed error %d: %s", env.Error.Code, env.Error.Message)
	}
	if env.Method != "transactionNotification" {
		if len(env.Result) > 0 {
			return nil, "subscribe_ack", nil
		}
		return nil, env.Method, nil
	}
	if env.Params == nil {
		return nil, env.Method, fmt.Errorf("notification without params")
	}

	res := env.Params.Result
	inner := res.Transaction.Transaction
	if inner == nil {
		return nil, env.Method, fmt.Errorf("notification without transaction body")
	}

	tx := &Transaction{
		Signature:   res.Signature,
		Slot:        res.Slot,
		AccountKeys: inner.Message.AccountKeys,
	}
	if tx.Signature == "" && len(inner.Signatures) > 0 {
		tx.Signature = inner.Signatures[0]
	}
	if meta := res.Transaction.Meta; meta != nil {
		tx.FeeLamports = meta.Fee
		tx.PreBalances = meta.PreBalances
		tx.PostBalances = meta.PostBalances
	}

	for _, ix := range inner.Message.Instructions {
		payload, err := base58.Decode(ix.Data)
		if err != nil {
			payload = nil
		}
		tx.Instructions = append(tx.Instructions, Instruction{
			ProgramIndex: ix.ProgramIDIndex,
			Accounts:     ix.Accounts,
			Data:         payload,
		})
	}

	return tx, env.Method, nil
}
