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

	"go.gearno.de/kit/pg"
)

// ensureTables creates the bans and cidr_blocks tables if they don't
// exist. Containment queries are served by the in-process index, not
// by the database; the cidr column only has to round-trip valid
// prefixes.
func ensureTables(ctx context.Context, conn pg.Querier) error {
	q := `
CREATE TABLE IF NOT EXISTS bans (
    id          BIGSERIAL PRIMARY KEY,
    active      BOOLEAN NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    expires_at  TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT (now() AT TIME ZONE 'UTC'),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT (now() AT TIME ZONE 'UTC')
);

CREATE TABLE IF NOT EXISTS cidr_blocks (
    id     BIGSERIAL PRIMARY KEY,
    ban_id BIGINT NOT NULL REFERENCES bans (id) ON DELETE CASCADE,
    cidr   CIDR NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cidr_blocks_ban_id
ON cidr_blocks (ban_id);
`
	_, err := conn.Exec(ctx, q)
	return err
}
