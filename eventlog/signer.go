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
	"sort"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrNoKey is returned when a signer holds no key for the requested author
var ErrNoKey = errors.New("no signing key for identity")

// Signer signs events on behalf of local identities
type Signer interface {
	Sign(author string, ev *nostr.Event) error
}

// KeySigner keeps secret keys in memory, indexed by public key
type KeySigner struct {
	keys map[string]string
	mu   sync.RWMutex
}

// NewKeySigner creates a signer from hex or nsec encoded secret keys
func NewKeySigner(secrets ...string) (*KeySigner, error) {
	k := &KeySigner{keys: make(map[string]string)}
	for _, s := range secrets {
		if _, err := k.Add(s); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// Add registers a secret key and returns its public key
func (k *KeySigner) Add(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if strings.HasPrefix(secret, "nsec1") {
		prefix, value, err := nip19.Decode(secret)
		if err != nil {
			return "", fmt.Errorf("decode nsec: %w", err)
		}
		sk, ok := value.(string)
		if prefix != "nsec" || !ok {
			return "", errors.New("decode nsec: unexpected payload")
		}
		secret = sk
	}
	pub, err := nostr.GetPublicKey(secret)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	k.mu.Lock()
	k.keys[pub] = secret
	k.mu.Unlock()
	return pub, nil
}

// Identities returns the public keys this signer can sign for, sorted
func (k *KeySigner) Identities() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ret := make([]string, 0, len(k.keys))
	for pub := range k.keys {
		ret = append(ret, pub)
	}
	sort.Strings(ret)
	return ret
}

// Sign sets the author, id and signature of an event
func (k *KeySigner) Sign(author string, ev *nostr.Event) error {
	k.mu.RLock()
	sk, ok := k.keys[author]
	k.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoKey, author)
	}
	if err := ev.Sign(sk); err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	return nil
}
