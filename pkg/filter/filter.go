// Package filter evaluates subscriber filters against blocks, using the bloom
// index as a prefilter before an exact scan.
package filter

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xmhha/chainstream/internal/constants"
	"github.com/0xmhha/chainstream/pkg/bloom"
	"github.com/0xmhha/chainstream/pkg/types"
)

const (
	// DefaultMaxClauses bounds the number of OR clauses in one filter
	DefaultMaxClauses = constants.DefaultMaxFilterClauses

	// MaxKeysPerClause bounds positional keys, matching the EVM topic limit
	MaxKeysPerClause = 4
)

// Clause matches events emitted by Address (any emitter when nil) whose keys
// start with Keys. A zero hash in Keys matches any key at that position.
type Clause struct {
	Address *common.Address `json:"address,omitempty"`
	Keys    []common.Hash   `json:"keys,omitempty"`
}

// Filter is an OR of event clauses plus options controlling which block data
// accompanies matched events
type Filter struct {
	Clauses             []Clause `json:"events"`
	IncludeHeader       bool     `json:"header,omitempty"`
	IncludeTransactions bool     `json:"transactions,omitempty"`
	IncludeReceipts     bool     `json:"receipts,omitempty"`
}

// Validate checks the filter against the configured limits
func (f *Filter) Validate(maxClauses int) error {
	if maxClauses <= 0 {
		maxClauses = DefaultMaxClauses
	}
	if len(f.Clauses) > maxClauses {
		return fmt.Errorf("filter has %d clauses, max is %d", len(f.Clauses), maxClauses)
	}
	for i, c := range f.Clauses {
		if len(c.Keys) > MaxKeysPerClause {
			return fmt.Errorf("clause %d has %d keys, max is %d", i, len(c.Keys), MaxKeysPerClause)
		}
	}
	return nil
}

// Clone returns a deep copy so subscriptions never share filter state
func (f *Filter) Clone() *Filter {
	if f == nil {
		return &Filter{}
	}
	out := &Filter{
		Clauses:             make([]Clause, len(f.Clauses)),
		IncludeHeader:       f.IncludeHeader,
		IncludeTransactions: f.IncludeTransactions,
		IncludeReceipts:     f.IncludeReceipts,
	}
	for i, c := range f.Clauses {
		var addr *common.Address
		if c.Address != nil {
			a := *c.Address
			addr = &a
		}
		out.Clauses[i] = Clause{
			Address: addr,
			Keys:    append([]common.Hash(nil), c.Keys...),
		}
	}
	return out
}

// MatchEvent reports whether ev satisfies the clause exactly
func (c *Clause) MatchEvent(ev *types.Event) bool {
	if c.Address != nil && *c.Address != ev.Address {
		return false
	}
	if len(c.Keys) > len(ev.Keys) {
		return false
	}
	for i, key := range c.Keys {
		if key == (common.Hash{}) {
			continue
		}
		if ev.Keys[i] != key {
			return false
		}
	}
	return true
}

// mightMatch tests the clause against the bloom index. It never rejects a
// block containing a matching event.
func (c *Clause) mightMatch(idx *bloom.Index, hasEvents bool) bool {
	if !hasEvents {
		return false
	}
	if idx == nil {
		return true
	}
	if c.Address != nil && !idx.MightContainAddress(*c.Address) {
		return false
	}
	for _, key := range c.Keys {
		if key == (common.Hash{}) {
			continue
		}
		if c.Address != nil {
			if !idx.MightContainPair(*c.Address, key) {
				return false
			}
		} else if !idx.MightContainKey(key) {
			return false
		}
	}
	return true
}

// Apply evaluates the filter against block. The result is never nil: a block
// without matches yields an empty payload so the cursor still advances.
func (f *Filter) Apply(block *types.Block, idx *bloom.Index) *types.FilteredBlock {
	out := &types.FilteredBlock{
		ID:     block.ID(),
		Events: []*types.Event{},
	}
	if f == nil {
		return out
	}
	if f.IncludeHeader {
		h := block.Header
		out.Header = &h
	}

	candidates := make([]*Clause, 0, len(f.Clauses))
	for i := range f.Clauses {
		if f.Clauses[i].mightMatch(idx, len(block.Events) > 0) {
			candidates = append(candidates, &f.Clauses[i])
		}
	}
	if len(candidates) == 0 {
		return out
	}

	txHashes := make(map[common.Hash]struct{})
	for _, ev := range block.Events {
		for _, c := range candidates {
			if c.MatchEvent(ev) {
				out.Events = append(out.Events, ev)
				txHashes[ev.TxHash] = struct{}{}
				break
			}
		}
	}

	if f.IncludeTransactions && len(txHashes) > 0 {
		for _, tx := range block.Transactions {
			if _, ok := txHashes[tx.Hash]; ok {
				out.Transactions = append(out.Transactions, tx)
			}
		}
	}
	if f.IncludeReceipts && len(txHashes) > 0 {
		for _, rcpt := range block.Receipts {
			if _, ok := txHashes[rcpt.TxHash]; ok {
				out.Receipts = append(out.Receipts, rcpt)
			}
		}
	}
	return out
}
