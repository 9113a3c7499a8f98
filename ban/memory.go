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

package ban

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store, used in tests and embedded
// setups that do not carry a database.
type MemoryStore struct {
	mu          sync.Mutex
	nextBanID   int64
	nextRangeID int64
	bans        map[int64]*Ban
}

// NewMemoryStore creates an empty in-memory ban store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bans: make(map[int64]*Ban),
	}
}

func (s *MemoryStore) CreateBan(_ context.Context, b *Ban) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextBanID++
	now := time.Now().UTC()

	b.ID = s.nextBanID
	b.CreatedAt = now
	b.UpdatedAt = now

	for i := range b.Ranges {
		s.nextRangeID++
		b.Ranges[i].ID = s.nextRangeID
		b.Ranges[i].BanID = b.ID
	}

	s.bans[b.ID] = cloneBan(b)

	return nil
}

func (s *MemoryStore) InsertRange(_ context.Context, rng *Range) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bans[rng.BanID]
	if !ok {
		return ErrNotFound
	}

	s.nextRangeID++
	rng.ID = s.nextRangeID
	b.Ranges = append(b.Ranges, *rng)
	b.UpdatedAt = time.Now().UTC()

	return nil
}

func (s *MemoryStore) SetActive(_ context.Context, id int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bans[id]
	if !ok {
		return ErrNotFound
	}

	b.Active = active
	b.UpdatedAt = time.Now().UTC()

	return nil
}

func (s *MemoryStore) DeleteBan(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bans[id]; !ok {
		return ErrNotFound
	}

	delete(s.bans, id)

	return nil
}

func (s *MemoryStore) ListActive(_ context.Context) ([]*Ban, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bans []*Ban
	for _, b := range s.bans {
		if !b.Active {
			continue
		}

		bans = append(bans, cloneBan(b))
	}

	return bans, nil
}
