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

package wotx

import (
	"cmp"
	"slices"
	"time"

	"github.com/bonlabs/circuit/eventlog"
)

// CredentialRequest is an open certification request with its progress
type CredentialRequest struct {
	CreatedAt time.Time `json:"createdAt"`
	ID        string    `json:"id"`
	SubjectID string    `json:"subjectId"`
	Skill     string    `json:"skill"`
	// Level is the level the request currently targets
	Level int `json:"level"`
	// Attesters counted toward Level so far
	Attesters []string `json:"attesters"`
	Threshold int      `json:"threshold"`
}

// Attestation is one peer vouching for a request
type Attestation struct {
	CreatedAt  time.Time `json:"createdAt"`
	EventID    string    `json:"eventId,omitempty"`
	RequestID  string    `json:"requestId"`
	SubjectID  string    `json:"subjectId"`
	AttesterID string    `json:"attesterId"`
	Skill      string    `json:"skill"`
	Level      int       `json:"level"`
}

// Record converts the attestation into its log record
func (a *Attestation) Record() *eventlog.Attestation {
	return &eventlog.Attestation{
		Meta:      eventlog.Meta{CreatedAt: a.CreatedAt, Author: a.AttesterID},
		RequestID: a.RequestID,
		Subject:   a.SubjectID,
		Skill:     a.Skill,
		Level:     a.Level,
	}
}

// Credential certifies a subject at a level of a skill
type Credential struct {
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	SubjectID string    `json:"subjectId"`
	Skill     string    `json:"skill"`
	// RequestID is empty for credentials imported from the log
	RequestID string   `json:"requestId,omitempty"`
	Attesters []string `json:"attesters"`
	Level     int      `json:"level"`
	// Published is set once a matching credential event is in the log
	Published bool `json:"published"`
}

// ValidAt reports whether the credential is in force at t
func (c *Credential) ValidAt(t time.Time) bool {
	return !t.Before(c.IssuedAt) && t.Before(c.ExpiresAt)
}

// Record converts the credential into its log record
func (c *Credential) Record() *eventlog.Credential {
	return &eventlog.Credential{
		Meta:      eventlog.Meta{CreatedAt: c.IssuedAt},
		Subject:   c.SubjectID,
		Skill:     c.Skill,
		Level:     c.Level,
		IssuedAt:  c.IssuedAt,
		ExpiresAt: c.ExpiresAt,
		Attesters: slices.Clone(c.Attesters),
	}
}

// holdings indexes credentials by subject and skill
type holdings struct {
	bySubject map[string]map[string][]*Credential
	all       []*Credential
}

func newHoldings() *holdings {
	return &holdings{bySubject: make(map[string]map[string][]*Credential)}
}

func (h *holdings) add(c *Credential) {
	skills, ok := h.bySubject[c.SubjectID]
	if !ok {
		skills = make(map[string][]*Credential)
		h.bySubject[c.SubjectID] = skills
	}
	skills[c.Skill] = append(skills[c.Skill], c)
	h.all = append(h.all, c)
}

// level returns the highest level of subject in skill valid at t
func (h *holdings) level(subject, skill string, t time.Time) int {
	best := 0
	for _, c := range h.bySubject[subject][skill] {
		if c.ValidAt(t) && c.Level > best {
			best = c.Level
		}
	}
	return best
}

// maxLevel returns the highest level of subject across all skills valid at t
func (h *holdings) maxLevel(subject string, t time.Time) int {
	best := 0
	for skill := range h.bySubject[subject] {
		best = max(best, h.level(subject, skill, t))
	}
	return best
}

// hasHolder reports whether anyone holds a valid credential in skill at t
func (h *holdings) hasHolder(skill string, t time.Time) bool {
	for _, skills := range h.bySubject {
		for _, c := range skills[skill] {
			if c.ValidAt(t) {
				return true
			}
		}
	}
	return false
}

// valid returns the credential of exactly this level valid at t
func (h *holdings) valid(subject, skill string, level int, t time.Time) *Credential {
	for _, c := range h.bySubject[subject][skill] {
		if c.Level == level && c.ValidAt(t) {
			return c
		}
	}
	return nil
}

// target returns the level a new request of subject in skill aims for at t
// and, for renewals, the expired credential that blocks the count
func (h *holdings) target(subject, skill string, t time.Time) (int, *Credential) {
	var top *Credential
	for _, c := range h.bySubject[subject][skill] {
		if c.IssuedAt.After(t) {
			continue
		}
		if top == nil || c.Level > top.Level ||
			(c.Level == top.Level && c.ExpiresAt.After(top.ExpiresAt)) {
			top = c
		}
	}
	switch {
	case top == nil:
		return 1, nil
	case top.ValidAt(t):
		return top.Level + 1, nil
	default:
		return top.Level, top
	}
}

// qualified reports whether attester may vouch for subject at level in skill
func (h *holdings) qualified(attester, subject, skill string, level int, t time.Time) bool {
	if attester == subject {
		return false
	}
	held := h.level(attester, skill, t)
	if level <= 1 {
		return held >= 1 || !h.hasHolder(skill, t)
	}
	return held >= level-1
}

func sortCredentials(cs []*Credential) {
	slices.SortFunc(cs, func(a, b *Credential) int {
		return cmp.Or(
			a.IssuedAt.Compare(b.IssuedAt),
			cmp.Compare(a.SubjectID, b.SubjectID),
			cmp.Compare(a.Skill, b.Skill),
			cmp.Compare(a.Level, b.Level),
		)
	})
}
