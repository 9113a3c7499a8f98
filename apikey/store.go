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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.gearno.de/kit/pg"
)

type (
	// Store is the durable record store behind a Registry.
	Store interface {
		// Insert persists a new key, filling in its identity and
		// timestamps. It returns ErrDuplicateToken when the token
		// already exists; it never overwrites.
		Insert(ctx context.Context, k *Key) error

		// SetActive flips the active flag of an existing key. It
		// returns ErrNotFound when the identity does not exist.
		SetActive(ctx context.Context, id int64, active bool) error

		// List returns every key record.
		List(ctx context.Context) ([]*Key, error)
	}

	// PGStore is the PostgreSQL implementation of Store.
	PGStore struct {
		pg *pg.Client
	}
)

const pgUniqueViolation = "23505"

// NewPGStore creates a PostgreSQL-backed key store, creating the keys
// table if it does not exist.
func NewPGStore(ctx context.Context, pgClient *pg.Client) (*PGStore, error) {
	s := &PGStore{pg: pgClient}

	if err := s.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		return ensureTable(ctx, conn)
	}); err != nil {
		return nil, fmt.Errorf("cannot ensure keys table: %w", err)
	}

	return s, nil
}

func (s *PGStore) Insert(ctx context.Context, k *Key) error {
	var expiresAt *time.Time
	if !k.ExpiresAt.IsZero() {
		expiresAt = &k.ExpiresAt
	}

	err := s.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		q := `
INSERT INTO keys (token, active, owner_name, contact_name, contact_email, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at, updated_at
`
		row := conn.QueryRow(ctx, q,
			k.Token,
			k.Active,
			k.OwnerName,
			k.ContactName,
			k.ContactEmail,
			expiresAt,
		)
		return row.Scan(&k.ID, &k.CreatedAt, &k.UpdatedAt)
	})

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("cannot insert key: %w", ErrDuplicateToken)
		}

		return fmt.Errorf("cannot insert key: %w", err)
	}

	return nil
}

func (s *PGStore) SetActive(ctx context.Context, id int64, active bool) error {
	err := s.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		q := `
UPDATE keys
SET active = $2, updated_at = (now() AT TIME ZONE 'UTC')
WHERE id = $1
`
		tag, err := conn.Exec(ctx, q, id, active)
		if err != nil {
			return err
		}

		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		return nil
	})

	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}

		return fmt.Errorf("cannot update key: %w", err)
	}

	return nil
}

func (s *PGStore) List(ctx context.Context) ([]*Key, error) {
	var keys []*Key

	err := s.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		q := `
SELECT id, token, active, owner_name, contact_name, contact_email, expires_at, created_at, updated_at
FROM keys
`
		rows, err := conn.Query(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				k         Key
				expiresAt *time.Time
			)

			err := rows.Scan(
				&k.ID,
				&k.Token,
				&k.Active,
				&k.OwnerName,
				&k.ContactName,
				&k.ContactEmail,
				&expiresAt,
				&k.CreatedAt,
				&k.UpdatedAt,
			)
			if err != nil {
				return err
			}

			if expiresAt != nil {
				k.ExpiresAt = *expiresAt
			}

			keys = append(keys, &k)
		}

		return rows.Err()
	})

	if err != nil {
		return nil, fmt.Errorf("cannot list keys: %w", err)
	}

	return keys, nil
}
