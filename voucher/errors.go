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
	"errors"
)

var (
	ErrInvalidValue          = errors.New("voucher value must be positive")
	ErrInvalidMarket         = errors.New("unknown market")
	ErrInvalidIdentity       = errors.New("invalid identity")
	ErrInvalidExpiry         = errors.New("expiry must be after creation")
	ErrNotBearer             = errors.New("caller is not the bearer")
	ErrCircuitNotClosed      = errors.New("circuit not closed")
	ErrStaleOrUnknownVoucher = errors.New("stale or unknown voucher")
	ErrExpired               = errors.New("voucher expired")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrSelfTransfer          = errors.New("cannot transfer to current bearer")
	ErrSealedPart            = errors.New("cannot open sealed part")
)
