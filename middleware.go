package doublesubmit

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/exp/slog"
)

// contextKey is the type used to represent keys identifying values stored in
// the request Context.
type contextKey string

const contextKeyFormToken = contextKey("csrf-form-token")

// Methods that do not require CSRF verification.
var safeMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// CreateStrictCookie returns an http.Cookie with strict defaults, with the
// provided name, value, and expiration. The resulting cookie is marked
// Secure, HttpOnly, and SameSite Strict, with no Domain or Path attribute.
// Consider using this as a base for your own implementation of CreateCookie.
func CreateStrictCookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Expires:  expires,
		Secure:   true,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

// FormTokenFromContext returns the form token stored in ctx by the Protect
// middleware, if present - i.e., the value handlers should embed in a
// hidden form field (Options.FormField) or expose for the client to echo in
// the Options.HeaderName header.
func FormTokenFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(contextKeyFormToken)
	if v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// extractClientToken returns the client-echoed token from the request,
// preferring the header over the form field.
func extractClientToken(r *http.Request, headerName, formField string) string {
	if h := r.Header.Get(headerName); h != "" {
		return h
	}
	_ = r.ParseForm()
	return r.PostForm.Get(formField)
}

// Protect is a chi-compatible middleware enforcing the double-submit
// protocol over net/http transport.
//
// For safe methods (GET, HEAD, OPTIONS, TRACE), it issues a fresh token
// pair, sets the cookie member via Options.CreateCookie, and stores the
// form member in the request Context (retrievable via
// FormTokenFromContext). For all other methods, it requires the token
// cookie and the client-echoed token (header or form field) to verify as a
// pair, rejecting the request with a uniform 403 otherwise.
//
// Protect is transport glue around GenerateTokenPair and VerifyTokenPair;
// integrations with other frameworks need only those two methods.
func (p *Protection) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if safeMethods[r.Method] {
			p.issue(w, r, next)
			return
		}
		cookie, err := r.Cookie(p.opts.CookieName)
		if err != nil {
			slog.Debug("Rejecting request with no token cookie", "method", r.Method)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if err := p.VerifyTokenPair(cookie.Value, extractClientToken(r, p.opts.HeaderName, p.opts.FormField)); err != nil {
			// Log the variant, but never differentiate it to the client.
			slog.Debug("Rejecting request with bad token pair", "method", r.Method, "error", err)
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (p *Protection) issue(w http.ResponseWriter, r *http.Request, next http.Handler) {
	pair, err := p.GenerateTokenPair(p.opts.TTL)
	if err != nil {
		slog.Error("Failed to generate token pair", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, p.opts.CreateCookie(p.opts.CookieName, pair.Cookie, p.Clock().Add(p.opts.TTL)))
	ctx := context.WithValue(r.Context(), contextKeyFormToken, pair.Form)
	next.ServeHTTP(w, r.WithContext(ctx))
}
