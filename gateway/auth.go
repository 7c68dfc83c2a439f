package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const contextKeyCaller contextKey = "caller"

// Caller is the authenticated wallet behind a request.
type Caller struct {
	Address common.Address
	Role    string
}

// Authenticator verifies bearer tokens whose subject is the caller's wallet
// address. Tokens are HMAC-signed with a shared gateway secret.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator constructs the verifier.
func NewAuthenticator(secret []byte) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("gateway: jwt secret required")
	}
	return &Authenticator{secret: secret}, nil
}

// IssueToken mints a token for the wallet. Used by tests and operator
// tooling.
func (a *Authenticator) IssueToken(addr common.Address, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  addr.Hex(),
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Middleware rejects requests without a valid bearer token and stores the
// caller in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		subject, _ := claims["sub"].(string)
		if !common.IsHexAddress(subject) {
			http.Error(w, "token subject is not a wallet address", http.StatusUnauthorized)
			return
		}
		role, _ := claims["role"].(string)
		caller := Caller{Address: common.HexToAddress(subject), Role: role}
		next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), caller)))
	})
}

func withCaller(ctx context.Context, caller Caller) context.Context {
	return context.WithValue(ctx, contextKeyCaller, caller)
}

// CallerFrom extracts the authenticated caller from the context.
func CallerFrom(ctx context.Context) (Caller, bool) {
	caller, ok := ctx.Value(contextKeyCaller).(Caller)
	return caller, ok
}
