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

package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.gearno.de/kit/log"
)

type authCtxKey struct{}

// AuthorizationFromContext returns the authorization decision the
// middleware stored for the current request.
func AuthorizationFromContext(ctx context.Context) (Authorization, bool) {
	auth, ok := ctx.Value(authCtxKey{}).(Authorization)
	return auth, ok
}

// Middleware authorizes each request and records its outcome. Banned
// sources get 403; with RequireAuth, requests without a valid key get
// 401. Every request is recorded regardless of the decision,
// best-effort: a recording failure is logged and never fails the
// request.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			ctx   = r.Context()
			start = time.Now()
			addr  = clientAddr(r)
			token = bearerToken(r)
		)

		auth, err := g.AuthorizeRequest(ctx, token, addr)
		if err != nil {
			// Unresolvable source address: fail closed.
			g.logger.ErrorCtx(ctx, "cannot authorize request", log.Error(err))
			writeJSONError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if auth.Banned {
			n := writeJSONError(w, http.StatusForbidden, "forbidden")
			g.recordHTTP(ctx, auth, addr, endpointName(r), start, http.StatusForbidden, n)
			return
		}

		if g.requireAuth && !auth.Authenticated {
			n := writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			g.recordHTTP(ctx, auth, addr, endpointName(r), start, http.StatusUnauthorized, n)
			return
		}

		ctx = context.WithValue(ctx, authCtxKey{}, auth)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		g.recordHTTP(ctx, auth, addr, endpointName(r), start, status, int64(ww.BytesWritten()))
	})
}

func (g *Gateway) recordHTTP(
	ctx context.Context,
	auth Authorization,
	addr string,
	endpoint string,
	start time.Time,
	status int,
	bytes int64,
) {
	err := g.RecordUsage(
		ctx,
		auth.KeyID,
		addr,
		endpoint,
		start,
		status,
		time.Since(start),
		bytes,
	)
	if err != nil {
		g.logger.ErrorCtx(ctx, "cannot record request usage", log.Error(err))
	}
}

// bearerToken extracts the API key from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}

	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}

	return token
}

// clientAddr strips the port from the request's remote address.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// endpointName resolves the request to a routing-layer endpoint name.
// Inside a chi router this is the route pattern; otherwise the bucket
// dimension is left unnamed rather than exploding on raw paths.
func endpointName(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}

	return ""
}

func writeJSONError(w http.ResponseWriter, status int, msg string) int64 {
	body := `{"error":"` + msg + `"}`

	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	n, _ := w.Write([]byte(body))

	return int64(n)
}
