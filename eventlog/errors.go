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
	"fmt"
)

var (
	// ErrDataInconsistent marks a malformed or contradictory event. Records
	// failing with it are skipped and counted, never fatal for an aggregate.
	ErrDataInconsistent = errors.New("data inconsistent")
	// ErrBadSignature is returned when an event id or signature does not verify
	ErrBadSignature = errors.New("bad event signature")
	// ErrUnknownKind is returned by Normalize for kinds the engine does not consume
	ErrUnknownKind = errors.New("unknown event kind")
)

// MalformedEventError describes which field of which event failed to parse
type MalformedEventError struct {
	EventID string
	Field   string
	Reason  string
}

func newMalformed(eventID, field, reason string) MalformedEventError {
	return MalformedEventError{
		EventID: eventID,
		Field:   field,
		Reason:  reason,
	}
}

func (e MalformedEventError) Error() string {
	return fmt.Sprintf(
		"event %s: field %q: %s",
		e.EventID,
		e.Field,
		e.Reason,
	)
}

// Unwrap allows errors.Is(err, ErrDataInconsistent)
func (e MalformedEventError) Unwrap() error {
	return ErrDataInconsistent
}
