// Copyright 2026 The NSRVM Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nsrvm

import (
	"crypto/rand"
	"encoding/hex"
)

// API keys are 128-bit random tokens, hex encoded.  A key is minted the
// first time a service name is observed and is never rotated while the
// supervisor lives; config reloads must not invalidate credentials that
// peers already hold.

const apiKeyBytes = 16

func newAPIKey() string {
	b := make([]byte, apiKeyBytes)
	// rand.Read on the crypto source never fails on supported
	// platforms; a short read here would mean a broken kernel RNG.
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// ensureKeyLocked mints a key for name if none exists.  Call with the
// state lock held.
func (sup *Supervisor) ensureKeyLocked(name string) string {
	if key, ok := sup.apiKeys[name]; ok {
		return key
	}
	key := newAPIKey()
	sup.apiKeys[name] = key
	return key
}

// APIKey returns the key registered for name, or "" if none was ever
// minted.
func (sup *Supervisor) APIKey(name string) string {
	sup.mx.Lock()
	defer sup.mx.Unlock()
	return sup.apiKeys[name]
}
