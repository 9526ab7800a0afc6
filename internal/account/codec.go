package account

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/account-engine/internal/model"
)

// SchemaVersion is the version written into every persisted envelope.
const SchemaVersion = 1

// ErrMalformedState is returned when a persisted blob cannot be trusted.
var ErrMalformedState = errors.New("account: malformed persisted state")

type envelope struct {
	Version int                 `json:"version"`
	SavedAt time.Time           `json:"savedAt"`
	State   *model.AccountState `json:"state"`
}

// Encode serializes state into a versioned envelope. Nil collections are
// written as empty arrays so the blob always decodes.
func Encode(state model.AccountState, savedAt time.Time) ([]byte, error) {
	state = withEmptySlices(state)
	return json.Marshal(envelope{
		Version: SchemaVersion,
		SavedAt: savedAt.UTC(),
		State:   &state,
	})
}

func withEmptySlices(st model.AccountState) model.AccountState {
	if st.Positions == nil {
		st.Positions = []model.Position{}
	}
	if st.OpenOrders == nil {
		st.OpenOrders = []model.OpenOrder{}
	}
	if st.Trades == nil {
		st.Trades = []model.RecentTrade{}
	}
	if st.Transactions == nil {
		st.Transactions = []model.Transaction{}
	}
	return st
}

// Decode parses a persisted blob and validates it. Both the versioned
// envelope and a bare AccountState object are accepted.
func Decode(data []byte) (model.AccountState, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return model.AccountState{}, fmt.Errorf("%w: empty", ErrMalformedState)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return model.AccountState{}, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}

	raw := data
	if v, ok := probe["version"]; ok {
		var version int
		if err := json.Unmarshal(v, &version); err != nil {
			return model.AccountState{}, fmt.Errorf("%w: version: %v", ErrMalformedState, err)
		}
		if version < 1 || version > SchemaVersion {
			return model.AccountState{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedState, version)
		}
		inner, ok := probe["state"]
		if !ok {
			return model.AccountState{}, fmt.Errorf("%w: missing state", ErrMalformedState)
		}
		raw = inner
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return model.AccountState{}, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	for _, name := range []string{"cashUsd", "positions", "openOrders", "trades", "transactions"} {
		if v, ok := fields[name]; !ok || string(v) == "null" {
			return model.AccountState{}, fmt.Errorf("%w: missing %s", ErrMalformedState, name)
		}
	}

	var st model.AccountState
	if err := json.Unmarshal(raw, &st); err != nil {
		return model.AccountState{}, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	if err := Validate(st); err != nil {
		return model.AccountState{}, err
	}
	return st, nil
}

// Validate checks the invariants a persisted state must satisfy before it
// replaces the live snapshot.
func Validate(st model.AccountState) error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrMalformedState}, args...)...)
	}

	if st.CashUSD.IsNegative() {
		return bad("negative cash %s", st.CashUSD)
	}

	type pair struct {
		market string
		side   model.Side
	}
	open := make(map[pair]bool)
	for i, p := range st.Positions {
		if p.ID == "" || p.MarketID == "" {
			return bad("position %d: missing id", i)
		}
		if !p.Side.Valid() || !p.Status.Valid() {
			return bad("position %s: bad side/status", p.ID)
		}
		if p.Shares.IsNegative() {
			return bad("position %s: negative shares", p.ID)
		}
		if p.Status == model.PositionOpen {
			k := pair{p.MarketID, p.Side}
			if open[k] {
				return bad("duplicate open position %s/%s", p.MarketID, p.Side)
			}
			open[k] = true
		}
	}

	for _, o := range st.OpenOrders {
		if o.ID == "" || o.MarketID == "" {
			return bad("order: missing id")
		}
		if !o.Action.Valid() || !o.Side.Valid() {
			return bad("order %s: bad action/side", o.ID)
		}
		if !o.LimitPrice.IsPositive() || o.LimitPrice.GreaterThanOrEqual(model.One) {
			return bad("order %s: limit price out of range", o.ID)
		}
		if !o.Shares.IsPositive() {
			return bad("order %s: non-positive shares", o.ID)
		}
		hasCash, hasShares := o.ReservedCashUSD != nil, o.ReservedShares != nil
		if hasCash == hasShares {
			return bad("order %s: exactly one reservation required", o.ID)
		}
		if (o.Action == model.ActionBuy) != hasCash {
			return bad("order %s: reservation does not match action", o.ID)
		}
	}

	for _, t := range st.Trades {
		if t.ID == "" || !t.Side.Valid() {
			return bad("trade: missing id or bad side")
		}
	}
	for _, tx := range st.Transactions {
		if tx.ID == "" || !tx.Type.Valid() {
			return bad("transaction: missing id or bad type")
		}
	}
	return nil
}
