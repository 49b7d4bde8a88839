package mw

import (
	"context"
	"net/http"
	"strings"
)

// Principal is the authenticated caller of the voice gateway. One principal
// may multiplex many end users; user_id in request bodies identifies the
// person, the principal identifies the integration holding the API key.
type Principal struct {
	APIKey string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal Auth attached, if any. Handlers use it
// to scope rate limits; absence means auth is optional or disabled.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

func bearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token, token != ""
}
