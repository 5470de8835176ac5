// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package voucher

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

// SeedSize is the length in bytes of a market seed
const SeedSize = 32

// Market is a local currency community. Its seed derives the keys that seal
// voucher parts exchanged between members.
type Market struct {
	ID   string
	Name string
	Seed []byte
}

// ParseMarket builds a market from a hex encoded seed
func ParseMarket(id string, name string, seedHex string) (Market, error) {
	if id == "" {
		return Market{}, errors.New("market id is empty")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return Market{}, fmt.Errorf("market %s: decode seed: %w", id, err)
	}
	if len(seed) != SeedSize {
		return Market{}, fmt.Errorf(
			"market %s: seed must be %d bytes, got %d",
			id,
			SeedSize,
			len(seed),
		)
	}
	return Market{ID: id, Name: name, Seed: seed}, nil
}

// Markets is a read-only registry of recognized markets
type Markets struct {
	markets map[string]Market
}

// NewMarkets builds a registry, rejecting duplicate ids and bad seeds
func NewMarkets(markets ...Market) (*Markets, error) {
	ret := &Markets{markets: make(map[string]Market, len(markets))}
	for _, m := range markets {
		if len(m.Seed) != SeedSize {
			return nil, fmt.Errorf("market %s: invalid seed size", m.ID)
		}
		if _, ok := ret.markets[m.ID]; ok {
			return nil, fmt.Errorf("market %s: duplicate id", m.ID)
		}
		ret.markets[m.ID] = m
	}
	return ret, nil
}

// Lookup returns a market by id
func (m *Markets) Lookup(id string) (Market, bool) {
	if m == nil {
		return Market{}, false
	}
	market, ok := m.markets[id]
	return market, ok
}

// IDs returns the registered market ids, sorted
func (m *Markets) IDs() []string {
	if m == nil {
		return nil
	}
	ret := make([]string, 0, len(m.markets))
	for id := range m.markets {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}
