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
	"slices"
	"time"

	"github.com/bonlabs/circuit/eventlog"
)

// Result is the credential state of a view at a point in time
type Result struct {
	now      time.Time
	params   Params
	holdings *holdings
	requests map[string]*requestState
	order    []*requestState
	// attestations by subject and skill, in log order
	attested map[string][]*eventlog.Attestation
	// Credentials lists every credential known at the evaluation time
	Credentials []*Credential
	// Issued lists derived credentials in force that are not yet published
	Issued []*Credential
	// Skipped counts attestations and credentials that failed validation
	Skipped int
}

type requestState struct {
	req       *eventlog.CredentialRequest
	atts      []*eventlog.Attestation
	fulfilled *Credential
}

// Evaluate replays requests, attestations and published credentials in log
// order. A request is fulfilled by the attestation that brings the count of
// distinct qualified attesters to the skill threshold; the credential is
// issued at that attestation's time. Records created after now are ignored.
func Evaluate(view *eventlog.View, now time.Time, params Params) *Result {
	r := &Result{
		now:      now.UTC(),
		params:   params.withDefaults(),
		holdings: newHoldings(),
		requests: make(map[string]*requestState),
		attested: make(map[string][]*eventlog.Attestation),
	}
	// Credential events are checked once every record of the same second
	// has been seen, so the attestations backing them are known
	var held []*eventlog.Credential
	flush := func() {
		for _, c := range held {
			r.observe(c)
		}
		held = held[:0]
	}
	for _, rec := range view.Records() {
		createdAt := rec.Envelope().CreatedAt
		if createdAt.After(r.now) {
			continue
		}
		if len(held) > 0 && createdAt.After(held[0].CreatedAt) {
			flush()
		}
		switch rec := rec.(type) {
		case *eventlog.CredentialRequest:
			st := &requestState{req: rec}
			r.requests[rec.EventID] = st
			r.order = append(r.order, st)
		case *eventlog.Attestation:
			if rec.Author != rec.Subject {
				key := attestedKey(rec.Subject, rec.Skill)
				r.attested[key] = append(r.attested[key], rec)
			}
			st, ok := r.requests[rec.RequestID]
			if !ok || rec.Subject != st.req.Author || rec.Skill != st.req.Skill {
				r.Skipped++
				continue
			}
			if st.fulfilled != nil {
				continue
			}
			st.atts = append(st.atts, rec)
			r.tryFulfill(st, rec.CreatedAt)
		case *eventlog.Credential:
			held = append(held, rec)
		}
	}
	flush()
	r.Credentials = slices.Clone(r.holdings.all)
	sortCredentials(r.Credentials)
	for _, c := range r.Credentials {
		if c.RequestID != "" && !c.Published && c.ValidAt(r.now) {
			r.Issued = append(r.Issued, c)
		}
	}
	return r
}

func (r *Result) tryFulfill(st *requestState, t time.Time) {
	subject, skill := st.req.Author, st.req.Skill
	level, blocking := r.holdings.target(subject, skill, t)
	counted := r.counted(st, level, blocking)
	if len(counted) < r.params.Threshold(skill) {
		return
	}
	// Never issue a second credential for the same subject, skill and level
	if existing := r.holdings.valid(subject, skill, level, t); existing != nil {
		st.fulfilled = existing
		return
	}
	c := &Credential{
		IssuedAt:  t,
		ExpiresAt: t.Add(r.params.Validity),
		SubjectID: subject,
		Skill:     skill,
		RequestID: st.req.EventID,
		Attesters: counted,
		Level:     level,
	}
	r.holdings.add(c)
	st.fulfilled = c
}

// counted returns the distinct attesters that count toward level. For a
// renewal only attestations made after the blocking credential expired count.
func (r *Result) counted(st *requestState, level int, blocking *Credential) []string {
	subject, skill := st.req.Author, st.req.Skill
	var ret []string
	for _, att := range st.atts {
		if slices.Contains(ret, att.Author) {
			continue
		}
		if att.Level != 0 && att.Level != level {
			continue
		}
		if blocking != nil && !att.CreatedAt.After(blocking.ExpiresAt) {
			continue
		}
		if !r.holdings.qualified(att.Author, subject, skill, level, att.CreatedAt) {
			continue
		}
		ret = append(ret, att.Author)
	}
	slices.Sort(ret)
	return ret
}

// observe matches a published credential to a derived one or imports it.
// Imports are only trusted when backed by attestations in the log.
func (r *Result) observe(rec *eventlog.Credential) {
	for _, c := range r.holdings.bySubject[rec.Subject][rec.Skill] {
		if c.Level == rec.Level &&
			c.IssuedAt.Before(rec.ExpiresAt) &&
			c.ExpiresAt.After(rec.IssuedAt) {
			c.Published = true
			return
		}
	}
	attesters := r.backing(rec)
	if attesters == nil {
		r.Skipped++
		return
	}
	r.holdings.add(&Credential{
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
		SubjectID: rec.Subject,
		Skill:     rec.Skill,
		Attesters: attesters,
		Level:     rec.Level,
		Published: true,
	})
}

// backing returns the listed attesters whose attestations in the log make a
// credential trustworthy, or nil when they do not reach the threshold. Each
// counted attester must have been qualified when attesting, and the level
// may only be one above what the subject held at issuance.
func (r *Result) backing(rec *eventlog.Credential) []string {
	if rec.Level > r.holdings.level(rec.Subject, rec.Skill, rec.IssuedAt)+1 {
		return nil
	}
	var listed []string
	for _, a := range rec.Attesters {
		if a != rec.Subject && !slices.Contains(listed, a) {
			listed = append(listed, a)
		}
	}
	if !slices.Contains(listed, rec.Author) {
		return nil
	}
	var ret []string
	for _, att := range r.attested[attestedKey(rec.Subject, rec.Skill)] {
		if !slices.Contains(listed, att.Author) || slices.Contains(ret, att.Author) {
			continue
		}
		if att.Level != 0 && att.Level != rec.Level {
			continue
		}
		if att.CreatedAt.After(rec.IssuedAt) {
			continue
		}
		if !r.holdings.qualified(att.Author, rec.Subject, rec.Skill, rec.Level, att.CreatedAt) {
			continue
		}
		ret = append(ret, att.Author)
	}
	if len(ret) < r.params.Threshold(rec.Skill) {
		return nil
	}
	slices.Sort(ret)
	return ret
}

func attestedKey(subject, skill string) string {
	return subject + "/" + skill
}

func (r *Result) PendingRequests(skillTags ...string) []CredentialRequest {
	var filter []string
	for _, s := range skillTags {
		filter = append(filter, eventlog.NormalizeSkill(s))
	}
	ret := make([]CredentialRequest, 0)
	for _, st := range r.order {
		if st.fulfilled != nil {
			continue
		}
		if len(filter) > 0 && !slices.Contains(filter, st.req.Skill) {
			continue
		}
		level, blocking := r.holdings.target(st.req.Author, st.req.Skill, r.now)
		ret = append(ret, CredentialRequest{
			CreatedAt: st.req.CreatedAt,
			ID:        st.req.EventID,
			SubjectID: st.req.Author,
			Skill:     st.req.Skill,
			Level:     level,
			Attesters: r.counted(st, level, blocking),
			Threshold: r.params.Threshold(st.req.Skill),
		})
	}
	return ret
}

// Attest checks that attesterID may vouch for a request at the evaluation
// time and returns the attestation to publish
func (r *Result) Attest(requestID string, attesterID string) (*Attestation, error) {
	st, ok := r.requests[requestID]
	if !ok {
		return nil, ErrUnknownRequest
	}
	subject, skill := st.req.Author, st.req.Skill
	if attesterID == subject {
		return nil, ErrSelfAttestation
	}
	if st.fulfilled != nil {
		return nil, ErrRequestFulfilled
	}
	level, blocking := r.holdings.target(subject, skill, r.now)
	if slices.Contains(r.counted(st, level, blocking), attesterID) {
		return nil, ErrAlreadyAttested
	}
	if !r.holdings.qualified(attesterID, subject, skill, level, r.now) {
		return nil, ErrNotQualified
	}
	return &Attestation{
		CreatedAt:  r.now.Truncate(time.Second),
		RequestID:  requestID,
		SubjectID:  subject,
		AttesterID: attesterID,
		Skill:      skill,
		Level:      level,
	}, nil
}

// Level returns the highest level of subject in skill at the evaluation time
func (r *Result) Level(subject, skill string) int {
	return r.holdings.level(subject, eventlog.NormalizeSkill(skill), r.now)
}

// MaxLevel returns the highest level of subject across all skills at the
// evaluation time
func (r *Result) MaxLevel(subject string) int {
	return r.holdings.maxLevel(subject, r.now)
}

// PendingRequests evaluates the view and lists its open requests
func PendingRequests(
	view *eventlog.View,
	now time.Time,
	params Params,
	skillTags ...string,
) []CredentialRequest {
	return Evaluate(view, now, params).PendingRequests(skillTags...)
}

// Attest evaluates the view and checks a new attestation against it
func Attest(
	view *eventlog.View,
	requestID string,
	attesterID string,
	now time.Time,
	params Params,
) (*Attestation, error) {
	return Evaluate(view, now, params).Attest(requestID, attesterID)
}
