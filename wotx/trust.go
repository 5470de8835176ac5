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

// Package wotx builds the social trust graph of an identity and runs the
// peer attestation credential scheme.
//
// Credentials are derived, never stored: Evaluate replays requests and
// attestations in log order, so the same view always yields the same
// credential set. Published credential events only mark which derived
// credentials are already announced, plus imports of credentials whose
// requests fall outside the fetched history.
package wotx

import (
	"errors"
	"slices"

	"github.com/bonlabs/circuit/eventlog"
)

var (
	ErrUnknownRequest   = errors.New("unknown credential request")
	ErrSelfAttestation  = errors.New("identities cannot attest their own request")
	ErrNotQualified     = errors.New("attester does not hold a qualifying credential")
	ErrAlreadyAttested  = errors.New("attester already attested this request")
	ErrRequestFulfilled = errors.New("credential request already fulfilled")
)

// TrustGraph holds the direct (N1) and second-hop (N2) contacts of an identity
type TrustGraph struct {
	Self string   `json:"self"`
	N1   []string `json:"n1"`
	N2   []string `json:"n2"`
}

// BuildTrustGraph reads N1 from the latest contact list of self and N2 from
// the latest lists of every N1 member. N2 excludes self and N1.
func BuildTrustGraph(view *eventlog.View, self string) *TrustGraph {
	g := &TrustGraph{Self: self}
	n1 := make(map[string]struct{})
	for _, c := range view.Contacts(self) {
		if c == self {
			continue
		}
		if _, ok := n1[c]; !ok {
			n1[c] = struct{}{}
			g.N1 = append(g.N1, c)
		}
	}
	n2 := make(map[string]struct{})
	for _, member := range g.N1 {
		for _, c := range view.Contacts(member) {
			if c == self {
				continue
			}
			if _, ok := n1[c]; ok {
				continue
			}
			if _, ok := n2[c]; !ok {
				n2[c] = struct{}{}
				g.N2 = append(g.N2, c)
			}
		}
	}
	slices.Sort(g.N1)
	slices.Sort(g.N2)
	return g
}

// Members returns N1 followed by N2
func (g *TrustGraph) Members() []string {
	return slices.Concat(g.N1, g.N2)
}

// InN1 reports whether id is a direct contact
func (g *TrustGraph) InN1(id string) bool {
	_, ok := slices.BinarySearch(g.N1, id)
	return ok
}

// InN2 reports whether id is a second-hop contact
func (g *TrustGraph) InN2(id string) bool {
	_, ok := slices.BinarySearch(g.N2, id)
	return ok
}
