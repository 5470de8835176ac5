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
	"crypto/sha256"
	"encoding/hex"
)

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityUncommon  Rarity = "uncommon"
	RarityRare      Rarity = "rare"
	RarityLegendary Rarity = "legendary"
)

// Valid reports whether r is a known rarity tag
func (r Rarity) Valid() bool {
	switch r {
	case RarityCommon, RarityUncommon, RarityRare, RarityLegendary:
		return true
	}
	return false
}

// DrawRarity derives a rarity from the voucher id, so anyone can recompute it.
// Roughly 80% common, 14% uncommon, 5.5% rare and 0.5% legendary.
func DrawRarity(voucherID string) Rarity {
	raw, err := hex.DecodeString(voucherID)
	if err != nil {
		return RarityCommon
	}
	sum := sha256.Sum256(raw)
	roll := int(sum[0])<<8 | int(sum[1])
	switch {
	case roll < 52429:
		return RarityCommon
	case roll < 61604:
		return RarityUncommon
	case roll < 65208:
		return RarityRare
	default:
		return RarityLegendary
	}
}
