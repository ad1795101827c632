package watcher

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/punchamoorthee/ledgergate/internal/chain"
)

// Matcher extracts a generated identifier from one log entry.
type Matcher interface {
	Name() string
	Match(l *types.Log) (*big.Int, bool)
}

// EventMatcher matches one ABI event and reads a uint field from it.
type EventMatcher struct {
	event   abi.Event
	field   string
	indexed int // position among indexed inputs, -1 if in data
	address *common.Address
}

// NewEventMatcher builds a matcher for eventName in abiJSON. When address is
// non-nil only logs emitted by that contract match.
func NewEventMatcher(abiJSON, eventName, field string, address *common.Address) (*EventMatcher, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	event, ok := parsed.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("event %q not in ABI", eventName)
	}

	m := &EventMatcher{event: event, field: field, indexed: -1, address: address}
	found := false
	i := 0
	for _, in := range event.Inputs {
		if in.Name == field {
			if in.Type.T != abi.UintTy && in.Type.T != abi.IntTy {
				return nil, fmt.Errorf("field %s.%s is %s, want an integer", eventName, field, in.Type)
			}
			found = true
			if in.Indexed {
				m.indexed = i
			}
		}
		if in.Indexed {
			i++
		}
	}
	if !found {
		return nil, fmt.Errorf("event %s has no field %q", eventName, field)
	}
	return m, nil
}

func (m *EventMatcher) Name() string {
	return m.event.Name + "." + m.field
}

func (m *EventMatcher) Match(l *types.Log) (*big.Int, bool) {
	if m.address != nil && l.Address != *m.address {
		return nil, false
	}
	// Topic count tells apart events sharing a signature, such as ERC-20 and
	// ERC-721 Transfer.
	if len(l.Topics) != 1+m.indexedCount() || l.Topics[0] != m.event.ID {
		return nil, false
	}

	if m.indexed >= 0 {
		return new(big.Int).SetBytes(l.Topics[1+m.indexed].Bytes()), true
	}

	values := map[string]any{}
	if err := m.event.Inputs.NonIndexed().UnpackIntoMap(values, l.Data); err != nil {
		return nil, false
	}
	v, ok := values[m.field].(*big.Int)
	return v, ok
}

func (m *EventMatcher) indexedCount() int {
	n := 0
	for _, in := range m.event.Inputs {
		if in.Indexed {
			n++
		}
	}
	return n
}

// DefaultMatchers tries the registry's Registered event first and falls back
// to the ERC-721 mint Transfer.
func DefaultMatchers(registry common.Address) ([]Matcher, error) {
	registered, err := NewEventMatcher(chain.RegistryABI, "Registered", "agentId", &registry)
	if err != nil {
		return nil, err
	}
	transfer, err := NewEventMatcher(chain.RegistryABI, "Transfer", "tokenId", &registry)
	if err != nil {
		return nil, err
	}
	return []Matcher{registered, transfer}, nil
}

// Extract runs matchers in order over all logs of receipt.
func Extract(matchers []Matcher, receipt *types.Receipt) (*big.Int, string) {
	for _, m := range matchers {
		for _, l := range receipt.Logs {
			if id, ok := m.Match(l); ok {
				return id, m.Name()
			}
		}
	}
	return nil, ""
}
