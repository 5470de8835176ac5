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

package circuit

import (
	"context"
	"slices"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bonlabs/circuit/event"
	"github.com/bonlabs/circuit/eventlog"
	"github.com/bonlabs/circuit/relay"
	"github.com/bonlabs/circuit/wotx"
)

// ListPendingCertifications returns the open credential requests, limited to
// skillTags when given
func (e *Engine) ListPendingCertifications(
	ctx context.Context,
	skillTags []string,
) (_ []wotx.CredentialRequest, err error) {
	const op = "ListPendingCertifications"
	ctx, done := e.begin(ctx, op, attribute.StringSlice("skills", skillTags))
	defer done(&err)
	store := eventlog.NewStore(e.config.logger)
	// Qualification depends on every skill, so the fetch is never narrowed
	if _, err := e.gather(ctx, op, store, fetchSpec{
		name:    fetchCredentials,
		filters: []nostr.Filter{relay.CredentialFilter(time.Time{})},
	}); err != nil {
		return nil, err
	}
	res := wotx.Evaluate(store.View(), e.now(), e.config.credentialParams)
	e.countSkipped(res.Skipped)
	return res.PendingRequests(skillTags...), nil
}

// Attest vouches for a credential request as attesterID and publishes the
// attestation. When it completes the threshold the resulting credential is
// published too, authored by attesterID.
func (e *Engine) Attest(
	ctx context.Context,
	requestID string,
	attesterID string,
) (_ *wotx.Attestation, err error) {
	const op = "Attest"
	ctx, done := e.begin(ctx, op, attribute.String("request.id", requestID))
	defer done(&err)
	if e.config.signer == nil {
		return nil, ErrReadOnly
	}
	store := eventlog.NewStore(e.config.logger)
	if _, err := e.gather(ctx, op, store, fetchSpec{
		name:    fetchCredentials,
		filters: []nostr.Filter{relay.CredentialFilter(time.Time{})},
	}); err != nil {
		return nil, err
	}
	now := e.now()
	att, err := wotx.Evaluate(store.View(), now, e.config.credentialParams).
		Attest(requestID, attesterID)
	if err != nil {
		return nil, err
	}
	ev := eventlog.EncodeAttestation(att.Record())
	if err := e.publish(ctx, attesterID, ev); err != nil {
		return nil, err
	}
	att.EventID = ev.ID
	e.logger.Info(
		"attested credential request",
		"request", requestID,
		"subject", att.SubjectID,
		"skill", att.Skill,
		"level", att.Level,
	)
	e.eventBus.PublishAsync(event.NewEvent(
		event.AttestationEventType,
		event.AttestationEvent{
			RequestID:  requestID,
			SubjectID:  att.SubjectID,
			AttesterID: attesterID,
			Skill:      att.Skill,
		},
	))
	store.Append(ev)
	if err := e.publishIssued(ctx, store.View(), requestID, attesterID, now); err != nil {
		return att, err
	}
	return att, nil
}

// publishIssued publishes the credential derived from requestID once
// attesterID's attestation counted toward it
func (e *Engine) publishIssued(
	ctx context.Context,
	view *eventlog.View,
	requestID string,
	attesterID string,
	now time.Time,
) error {
	res := wotx.Evaluate(view, now, e.config.credentialParams)
	for _, c := range res.Issued {
		if c.RequestID != requestID || !slices.Contains(c.Attesters, attesterID) {
			continue
		}
		rec := c.Record()
		if err := e.publish(ctx, attesterID, eventlog.EncodeCredential(rec)); err != nil {
			return err
		}
		e.logger.Info(
			"issued credential",
			"subject", c.SubjectID,
			"skill", c.Skill,
			"level", c.Level,
		)
		e.eventBus.PublishAsync(event.NewEvent(
			event.CredentialIssuedEventType,
			event.CredentialIssuedEvent{
				SubjectID: c.SubjectID,
				Skill:     c.Skill,
				Level:     c.Level,
				Attesters: slices.Clone(c.Attesters),
				IssuedAt:  c.IssuedAt,
				ExpiresAt: c.ExpiresAt,
			},
		))
	}
	return nil
}
