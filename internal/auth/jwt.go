package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const (
	tenantIDKey     contextKey = "tenant_id"
	credentialIDKey contextKey = "credential_id"
)

type Claims struct {
	TenantID     string `json:"tid"`
	CredentialID string `json:"cid"`
	jwt.RegisteredClaims
}

// Middleware accepts a bearer token, or an access_token query parameter on
// websocket upgrades where browsers cannot set headers.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenRaw, ok := bearerToken(r)
			if !ok {
				http.Error(w, `{"error":{"code":"unauthorized","message":"missing bearer token"}}`, http.StatusUnauthorized)
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenRaw, claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid || claims.TenantID == "" || claims.CredentialID == "" {
				http.Error(w, `{"error":{"code":"unauthorized","message":"invalid token"}}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), tenantIDKey, claims.TenantID)
			ctx = context.WithValue(ctx, credentialIDKey, claims.CredentialID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		tok := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
		return tok, tok != ""
	}
	if authz == "" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		tok := r.URL.Query().Get("access_token")
		return tok, tok != ""
	}
	return "", false
}

func TenantIDFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(tenantIDKey)
	s, ok := v.(string)
	return s, ok && s != ""
}

func CredentialIDFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(credentialIDKey)
	s, ok := v.(string)
	return s, ok && s != ""
}

// WithIdentity returns ctx carrying tenant and credential ids, as the
// middleware would set them.
func WithIdentity(ctx context.Context, tenantID, credentialID string) context.Context {
	ctx = context.WithValue(ctx, tenantIDKey, tenantID)
	return context.WithValue(ctx, credentialIDKey, credentialID)
}
