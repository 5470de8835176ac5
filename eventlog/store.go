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

package eventlog

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

// AppendResult summarizes one Append call
type AppendResult struct {
	Added      int
	Duplicates int
	Ignored    int
	Skipped    int
}

// Store is an append-only, id-deduplicated collection of verified records.
// It is safe for concurrent use.
type Store struct {
	logger  *slog.Logger
	seen    map[string]struct{}
	records []Record
	skipped int
	mu      sync.RWMutex
}

// NewStore creates an empty store
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Store{
		logger: logger,
		seen:   make(map[string]struct{}),
	}
}

// Append verifies, normalizes and stores events. Malformed or badly signed
// events are skipped and counted; they never fail the batch.
func (s *Store) Append(evs ...*nostr.Event) AppendResult {
	var res AppendResult
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		if ev == nil {
			res.Skipped++
			continue
		}
		if _, ok := s.seen[ev.ID]; ok {
			res.Duplicates++
			continue
		}
		rec, err := Normalize(ev)
		if err != nil {
			if errors.Is(err, ErrUnknownKind) {
				res.Ignored++
				continue
			}
			res.Skipped++
			s.logger.Warn(
				"skipping event",
				"component", "eventlog",
				"id", ev.ID,
				"kind", ev.Kind,
				"error", err,
			)
			continue
		}
		s.seen[ev.ID] = struct{}{}
		s.records = append(s.records, rec)
		res.Added++
	}
	s.skipped += res.Skipped
	return res
}

// Len returns the number of stored records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// View returns an immutable, indexed snapshot of the store
func (s *Store) View() *View {
	s.mu.RLock()
	records := make([]Record, len(s.records))
	copy(records, s.records)
	skipped := s.skipped
	s.mu.RUnlock()
	return newView(records, skipped)
}

// View is an immutable snapshot of the log with lookup indices. Records are
// ordered by creation time, ties broken by event id.
type View struct {
	byID         map[string]Record
	byAuthor     map[string][]Record
	byKind       map[int][]Record
	vouchers     map[string][]*VoucherState
	proofs       map[string]*CircuitProof
	contacts     map[string]*Contacts
	attestations map[string][]*Attestation
	records      []Record
	voucherIDs   []string
	proofList    []*CircuitProof
	requests     []*CredentialRequest
	credentials  []*Credential
	skipped      int
}

func newView(records []Record, skipped int) *View {
	sort.SliceStable(records, func(i, j int) bool {
		return Less(records[i].Envelope(), records[j].Envelope())
	})
	v := &View{
		byID:         make(map[string]Record, len(records)),
		byAuthor:     make(map[string][]Record),
		byKind:       make(map[int][]Record),
		vouchers:     make(map[string][]*VoucherState),
		proofs:       make(map[string]*CircuitProof),
		contacts:     make(map[string]*Contacts),
		attestations: make(map[string][]*Attestation),
		records:      records,
		skipped:      skipped,
	}
	for _, rec := range records {
		m := rec.Envelope()
		v.byID[m.EventID] = rec
		v.byAuthor[m.Author] = append(v.byAuthor[m.Author], rec)
		v.byKind[m.Kind] = append(v.byKind[m.Kind], rec)
		switch r := rec.(type) {
		case *VoucherState:
			if _, ok := v.vouchers[r.VoucherID]; !ok {
				v.voucherIDs = append(v.voucherIDs, r.VoucherID)
			}
			v.vouchers[r.VoucherID] = append(v.vouchers[r.VoucherID], r)
		case *CircuitProof:
			if _, ok := v.proofs[r.VoucherID]; !ok {
				v.proofs[r.VoucherID] = r
			}
			v.proofList = append(v.proofList, r)
		case *Contacts:
			// Records are sorted, so the last one seen is the latest
			v.contacts[m.Author] = r
		case *CredentialRequest:
			v.requests = append(v.requests, r)
		case *Attestation:
			v.attestations[r.RequestID] = append(v.attestations[r.RequestID], r)
		case *Credential:
			v.credentials = append(v.credentials, r)
		}
	}
	sort.Strings(v.voucherIDs)
	return v
}

// Less orders envelopes by creation time, then event id
func Less(a, b Meta) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.EventID < b.EventID
}

// Len returns the number of records in the view
func (v *View) Len() int {
	return len(v.records)
}

// Skipped returns how many events were rejected while building the store
func (v *View) Skipped() int {
	return v.skipped
}

// Records returns all records in order
func (v *View) Records() []Record {
	return v.records
}

// Record returns a record by event id
func (v *View) Record(id string) (Record, bool) {
	r, ok := v.byID[id]
	return r, ok
}

// ByAuthor returns the records signed by an identity
func (v *View) ByAuthor(author string) []Record {
	return v.byAuthor[author]
}

// ByKind returns the records of a kind
func (v *View) ByKind(kind int) []Record {
	return v.byKind[kind]
}

// VoucherIDs returns all voucher ids that appear in the view, sorted
func (v *View) VoucherIDs() []string {
	return v.voucherIDs
}

// VoucherHistory returns the state events of one voucher in order
func (v *View) VoucherHistory(voucherID string) []*VoucherState {
	return v.vouchers[voucherID]
}

// Proof returns the earliest circuit proof for a voucher, if any
func (v *View) Proof(voucherID string) (*CircuitProof, bool) {
	p, ok := v.proofs[voucherID]
	return p, ok
}

// Proofs returns all circuit proofs in order, including repeated proofs
// for the same voucher
func (v *View) Proofs() []*CircuitProof {
	return v.proofList
}

// Contacts returns the latest declared contact list of an identity
func (v *View) Contacts(author string) []string {
	c, ok := v.contacts[author]
	if !ok {
		return nil
	}
	return c.Contacts
}

// HasContacts reports whether an identity published a contact list
func (v *View) HasContacts(author string) bool {
	_, ok := v.contacts[author]
	return ok
}

// Requests returns all credential requests in order
func (v *View) Requests() []*CredentialRequest {
	return v.requests
}

// Request returns a credential request by id
func (v *View) Request(id string) (*CredentialRequest, bool) {
	rec, ok := v.byID[id]
	if !ok {
		return nil, false
	}
	req, ok := rec.(*CredentialRequest)
	return req, ok
}

// Attestations returns the attestations referring to a request, in order
func (v *View) Attestations(requestID string) []*Attestation {
	return v.attestations[requestID]
}

// Credentials returns all published credentials in order
func (v *View) Credentials() []*Credential {
	return v.credentials
}
