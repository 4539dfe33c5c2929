// Package auth verifies bearer tokens issued by an external identity
// provider. Tokens are HMAC-signed with a shared secret or RSA-signed and
// resolved through a JWKS endpoint.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const defaultLeeway = 30 * time.Second

var ErrInvalidToken = errors.New("invalid token")

type Options struct {
	Secret   string
	JWKSURL  string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier validates access tokens and extracts their claims.
type Verifier struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewVerifier prefers the JWKS URL when both key sources are configured.
func NewVerifier(opts Options) (*Verifier, error) {
	leeway := opts.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	parserOpts := []jwt.ParserOption{jwt.WithLeeway(leeway), jwt.WithExpirationRequired()}
	if iss := strings.TrimSpace(opts.Issuer); iss != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(iss))
	}
	if aud := strings.TrimSpace(opts.Audience); aud != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(aud))
	}

	var kf jwt.Keyfunc
	switch {
	case strings.TrimSpace(opts.JWKSURL) != "":
		provider, err := keyfunc.NewDefault([]string{strings.TrimSpace(opts.JWKSURL)})
		if err != nil {
			return nil, fmt.Errorf("init JWKS keyfunc: %w", err)
		}
		kf = provider.Keyfunc
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{
			jwt.SigningMethodRS256.Name, jwt.SigningMethodRS384.Name, jwt.SigningMethodRS512.Name,
		}))
	case opts.Secret != "":
		secret := []byte(opts.Secret)
		kf = func(*jwt.Token) (any, error) { return secret, nil }
		parserOpts = append(parserOpts, jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Name, jwt.SigningMethodHS384.Name, jwt.SigningMethodHS512.Name,
		}))
	default:
		return nil, errors.New("auth: a secret or JWKS URL is required")
	}

	return &Verifier{keyfunc: kf, parser: jwt.NewParser(parserOpts...)}, nil
}

// Verify parses and validates a token string.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	tokenString = strings.TrimSpace(tokenString)
	if tokenString == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	token, err := v.parser.Parse(tokenString, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	claims := &Claims{
		Subject:   readString(mapClaims, "sub"),
		Issuer:    readString(mapClaims, "iss"),
		Audience:  readAudience(mapClaims["aud"]),
		ExpiresAt: readExpiry(mapClaims["exp"]),
		Raw:       mapClaims,
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return claims, nil
}

// TokenFromRequest reads a bearer header, falling back to the token query
// parameter browsers use for websocket upgrades.
func TokenFromRequest(r *http.Request) (string, bool) {
	if tok, ok := extractBearerToken(r.Header.Get("Authorization")); ok {
		return tok, true
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok, true
	}
	return "", false
}

func extractBearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func readString(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return s
	}
	return ""
}

func readAudience(raw any) []string {
	switch v := raw.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

func readExpiry(raw any) time.Time {
	switch v := raw.(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return time.Unix(i, 0)
		}
	case int64:
		return time.Unix(v, 0)
	}
	return time.Time{}
}
