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

package aggregate

import (
	"context"

	"go.gearno.de/kit/pg"
)

// ensureTable creates the requests_aggregates table if it doesn't
// exist. The key_id and endpoint_name columns hold sentinel values
// instead of NULL, so one composite primary key enforces the bucket
// uniqueness that would otherwise need two overlapping partial
// indexes split on key nullability.
func ensureTable(ctx context.Context, conn pg.Querier) error {
	q := `
CREATE TABLE IF NOT EXISTS requests_aggregates (
    key_id           BIGINT NOT NULL,
    ip               TEXT NOT NULL,
    endpoint_name    TEXT NOT NULL,
    minute           TIMESTAMPTZ NOT NULL,
    request_count    BIGINT NOT NULL DEFAULT 0,
    sum_elapsed_time BIGINT NOT NULL DEFAULT 0,
    sum_bytes        BIGINT NOT NULL DEFAULT 0,
    sum_2xx          BIGINT NOT NULL DEFAULT 0,
    sum_3xx          BIGINT NOT NULL DEFAULT 0,
    sum_4xx          BIGINT NOT NULL DEFAULT 0,
    sum_429          BIGINT NOT NULL DEFAULT 0,
    sum_5xx          BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (key_id, ip, endpoint_name, minute)
);

CREATE INDEX IF NOT EXISTS idx_requests_aggregates_cleanup
ON requests_aggregates (minute);
`
	_, err := conn.Exec(ctx, q)
	return err
}
