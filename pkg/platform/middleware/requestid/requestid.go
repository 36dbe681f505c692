// Package requestid assigns each request an id for log correlation, honoring
// one supplied by the caller.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"custodia/pkg/requestcontext"
)

const Header = "X-Request-Id"

// Middleware stores the request id in the context and echoes it back in the
// response headers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := requestcontext.WithRequestID(r.Context(), id)
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
