// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package apikey

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process Store, used in tests and embedded
// setups that do not carry a database.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	keys   map[int64]*Key
	tokens map[string]int64
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   make(map[int64]*Key),
		tokens: make(map[string]int64),
	}
}

func (s *MemoryStore) Insert(_ context.Context, k *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[k.Token]; exists {
		return fmt.Errorf("cannot insert key: %w", ErrDuplicateToken)
	}

	s.nextID++
	now := time.Now().UTC()

	k.ID = s.nextID
	k.CreatedAt = now
	k.UpdatedAt = now

	k2 := *k
	s.keys[k.ID] = &k2
	s.tokens[k.Token] = k.ID

	return nil
}

func (s *MemoryStore) SetActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[id]
	if !ok {
		return ErrNotFound
	}

	k.Active = active
	k.UpdatedAt = time.Now().UTC()

	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		k2 := *k
		keys = append(keys, &k2)
	}

	return keys, nil
}
