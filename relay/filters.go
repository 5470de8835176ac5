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

package relay

import (
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/bonlabs/circuit/eventlog"
)

// ContactsFilter selects the contact lists of authors
func ContactsFilter(authors ...string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{eventlog.KindContacts},
		Authors: authors,
	}
}

// MarketFilter selects voucher and proof events of a market since a time
func MarketFilter(marketID string, since time.Time) nostr.Filter {
	return withSince(nostr.Filter{
		Kinds: []int{eventlog.KindVoucher, eventlog.KindCircuitProof},
		Tags:  nostr.TagMap{eventlog.TagTopic: []string{eventlog.MarketTopic(marketID)}},
	}, since)
}

// InForceFilter matches the issuing events of every voucher of a market.
// Callers keep those not yet expired and fetch their histories.
func InForceFilter(marketID string) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{eventlog.KindVoucher},
		Tags:  nostr.TagMap{eventlog.TagTopic: []string{eventlog.IssuanceTopic(marketID)}},
	}
}

// VoucherFilter selects the histories and proofs of vouchers
func VoucherFilter(voucherIDs ...string) nostr.Filter {
	return nostr.Filter{
		Kinds: []int{eventlog.KindVoucher, eventlog.KindCircuitProof},
		Tags:  nostr.TagMap{eventlog.TagVoucher: voucherIDs},
	}
}

// CredentialFilter selects requests, attestations and credentials, limited
// to skill tags when given
func CredentialFilter(since time.Time, skillTags ...string) nostr.Filter {
	f := nostr.Filter{
		Kinds: []int{
			eventlog.KindCredentialRequest,
			eventlog.KindAttestation,
			eventlog.KindCredential,
		},
	}
	if len(skillTags) > 0 {
		tags := make([]string, 0, len(skillTags))
		for _, s := range skillTags {
			tags = append(tags, eventlog.SkillTopic(s))
		}
		f.Tags = nostr.TagMap{eventlog.TagTopic: tags}
	}
	return withSince(f, since)
}

// WindowFilter selects every voucher and proof event since a time
func WindowFilter(since time.Time) nostr.Filter {
	return withSince(nostr.Filter{
		Kinds: []int{eventlog.KindVoucher, eventlog.KindCircuitProof},
	}, since)
}

func withSince(f nostr.Filter, since time.Time) nostr.Filter {
	if !since.IsZero() {
		ts := nostr.Timestamp(since.Unix())
		f.Since = &ts
	}
	return f
}
