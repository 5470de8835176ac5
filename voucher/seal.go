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
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const partKeyInfo = "circuit/traveler-part/v1"

// partKey derives the per-voucher sealing key from the market seed
func partKey(m Market, voucherID string) ([]byte, error) {
	salt, err := hex.DecodeString(voucherID)
	if err != nil {
		return nil, fmt.Errorf("decode voucher id: %w", err)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, m.Seed, salt, []byte(partKeyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// additional data binds a sealed part to the voucher and hop it was sealed for
func partAD(v *Voucher) []byte {
	return []byte(v.ID + ":" + strconv.Itoa(v.HopCount) + ":" + v.Traveler.Holder)
}

// SealTraveler encrypts the traveler share for handoff to the bearer recorded
// on v. Only members of the voucher's market can open it.
func SealTraveler(m Market, v *Voucher) ([]byte, error) {
	if m.ID != v.MarketID {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMarket, m.ID)
	}
	if len(v.Traveler.Share) == 0 {
		return nil, fmt.Errorf("%w: no traveler share to seal", ErrNotBearer)
	}
	key, err := partKey(m, v.ID)
	if err != nil {
		return nil, err
	}
	defer clear(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(v.Traveler.Share)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, v.Traveler.Share, partAD(v)), nil
}

// OpenTraveler decrypts a sealed traveler share and returns a copy of v that
// carries it
func OpenTraveler(m Market, v *Voucher, sealed []byte) (*Voucher, error) {
	if m.ID != v.MarketID {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMarket, m.ID)
	}
	key, err := partKey(m, v.ID)
	if err != nil {
		return nil, err
	}
	defer clear(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedPart
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	share, err := aead.Open(nil, nonce, ciphertext, partAD(v))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSealedPart, err)
	}
	ret := v.clone()
	ret.Traveler.Share = share
	ret.invalidated = false
	return ret, nil
}
