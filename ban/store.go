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
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.gearno.de/kit/pg"
)

type (
	// Store is the durable record store behind a Registry.
	Store interface {
		// CreateBan persists a ban and its ranges atomically,
		// filling in identities and timestamps.
		CreateBan(ctx context.Context, b *Ban) error

		// InsertRange persists one range under an existing ban. It
		// returns ErrNotFound when the ban does not exist.
		InsertRange(ctx context.Context, rng *Range) error

		// SetActive flips the active flag of an existing ban. It
		// returns ErrNotFound when the identity does not exist.
		SetActive(ctx context.Context, id int64, active bool) error

		// DeleteBan removes a ban and its ranges in one
		// transaction, children first. It returns ErrNotFound when
		// the identity does not exist.
		DeleteBan(ctx context.Context, id int64) error

		// ListActive returns every active ban with its ranges.
		ListActive(ctx context.Context) ([]*Ban, error)
	}

	// PGStore is the PostgreSQL implementation of Store.
	PGStore struct {
		pg *pg.Client
	}
)

const pgForeignKeyViolation = "23503"

// NewPGStore creates a PostgreSQL-backed ban store, creating the bans
// and cidr_blocks tables if they do not exist.
func NewPGStore(ctx context.Context, pgClient *pg.Client) (*PGStore, error) {
	s := &PGStore{pg: pgClient}

	if err := s.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		return ensureTables(ctx, conn)
	}); err != nil {
		return nil, fmt.Errorf("cannot ensure ban tables: %w", err)
	}

	return s, nil
}

func (s *PGStore) CreateBan(ctx context.Context, b *Ban) error {
	var expiresAt *time.Time
	if !b.ExpiresAt.IsZero() {
		expiresAt = &b.ExpiresAt
	}

	err := s.pg.WithTx(ctx, func(ctx context.Context, tx pg.Tx) error {
		q := `
INSERT INTO bans (active, title, description, expires_at)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at, updated_at
`
		row := tx.QueryRow(ctx, q, b.Active, b.Title, b.Description, expiresAt)
		if err := row.Scan(&b.ID, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return err
		}

		for i := range b.Ranges {
			b.Ranges[i].BanID = b.ID

			q := `
INSERT INTO cidr_blocks (ban_id, cidr)
VALUES ($1, $2)
RETURNING id
`
			row := tx.QueryRow(ctx, q, b.ID, b.Ranges[i].Prefix)
			if err := row.Scan(&b.Ranges[i].ID); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		return fmt.Errorf("cannot create ban: %w", err)
	}

	return nil
}

func (s *PGStore) InsertRange(ctx context.Context, rng *Range) error {
	err := s.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		q := `
INSERT INTO cidr_blocks (ban_id, cidr)
VALUES ($1, $2)
RETURNING id
`
		row := conn.QueryRow(ctx, q, rng.BanID, rng.Prefix)
		return row.Scan(&rng.ID)
	})

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return ErrNotFound
		}

		return fmt.Errorf("cannot insert range: %w", err)
	}

	return nil
}

func (s *PGStore) SetActive(ctx context.Context, id int64, active bool) error {
	err := s.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		q := `
UPDATE bans
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

		return fmt.Errorf("cannot update ban: %w", err)
	}

	return nil
}

func (s *PGStore) DeleteBan(ctx context.Context, id int64) error {
	err := s.pg.WithTx(ctx, func(ctx context.Context, tx pg.Tx) error {
		q := `DELETE FROM cidr_blocks WHERE ban_id = $1`
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return err
		}

		q = `DELETE FROM bans WHERE id = $1`
		tag, err := tx.Exec(ctx, q, id)
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

		return fmt.Errorf("cannot delete ban: %w", err)
	}

	return nil
}

func (s *PGStore) ListActive(ctx context.Context) ([]*Ban, error) {
	var bans []*Ban

	err := s.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		q := `
SELECT id, active, title, description, expires_at, created_at, updated_at
FROM bans
WHERE active
`
		rows, err := conn.Query(ctx, q)
		if err != nil {
			return err
		}

		byID := make(map[int64]*Ban)
		for rows.Next() {
			var (
				b         Ban
				expiresAt *time.Time
			)

			err := rows.Scan(
				&b.ID,
				&b.Active,
				&b.Title,
				&b.Description,
				&expiresAt,
				&b.CreatedAt,
				&b.UpdatedAt,
			)
			if err != nil {
				rows.Close()
				return err
			}

			if expiresAt != nil {
				b.ExpiresAt = *expiresAt
			}

			byID[b.ID] = &b
			bans = append(bans, &b)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		q = `
SELECT cb.id, cb.ban_id, cb.cidr
FROM cidr_blocks cb
JOIN bans b ON b.id = cb.ban_id
WHERE b.active
`
		rows, err = conn.Query(ctx, q)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rng    Range
				prefix netip.Prefix
			)

			if err := rows.Scan(&rng.ID, &rng.BanID, &prefix); err != nil {
				return err
			}

			rng.Prefix = prefix.Masked()

			if b, ok := byID[rng.BanID]; ok {
				b.Ranges = append(b.Ranges, rng)
			}
		}

		return rows.Err()
	})

	if err != nil {
		return nil, fmt.Errorf("cannot list bans: %w", err)
	}

	return bans, nil
}
