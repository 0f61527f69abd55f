// Package auth validates the bearer tokens presented by ingest agents and
// web subscribers, and extracts the authenticated Principal.
//
// Tokens are JWTs. Verification prefers an asymmetric public key (RS256);
// a symmetric shared secret (HS256) is accepted only when explicitly
// configured. The verifier never issues credentials.
package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Typed verification failures. Callers distinguish causes with errors.Is;
// close reasons shown to clients come from these, never from raw JWT errors.
var (
	// ErrMissingToken means no bearer token was found on the request.
	ErrMissingToken = errors.New("auth: missing token")

	// ErrExpired means the token's exp claim is in the past.
	ErrExpired = errors.New("auth: token expired")

	// ErrMalformed means the token could not be parsed or is missing
	// required claims.
	ErrMalformed = errors.New("auth: token malformed")

	// ErrSignature means the signature did not verify against the configured
	// key material, or the token's audience/issuer do not match.
	ErrSignature = errors.New("auth: signature invalid")
)

// Principal is the authenticated identity for one connection. Immutable for
// the session; re-authentication requires a new connection.
type Principal struct {
	UserID   string
	TenantID string
	Email    string
	Role     string
	Audience string
	Issuer   string
	Expiry   time.Time
}

// claims is the JWT claim set the relay requires.
type claims struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Config holds verification key material and expected claim values.
type Config struct {
	// Audience and Issuer are matched against the token's aud and iss claims.
	Audience string
	Issuer   string

	// PublicKeyPath points at a PEM-encoded RSA public key. Preferred.
	PublicKeyPath string

	// HMACSecret enables HS256 verification when non-empty. Fallback only.
	HMACSecret string
}

// Verifier validates bearer tokens. Safe for concurrent use.
type Verifier struct {
	publicKey *rsa.PublicKey
	hmacKey   []byte
	audience  string
	issuer    string
	parser    *jwt.Parser
}

// NewVerifier loads key material and returns a ready Verifier. At least one
// of PublicKeyPath and HMACSecret must be configured.
func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{
		audience: cfg.Audience,
		issuer:   cfg.Issuer,
	}

	if cfg.PublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("auth: read public key %q: %w", cfg.PublicKeyPath, err)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("auth: parse public key %q: %w", cfg.PublicKeyPath, err)
		}
		v.publicKey = key
	}
	if cfg.HMACSecret != "" {
		v.hmacKey = []byte(cfg.HMACSecret)
	}
	if v.publicKey == nil && v.hmacKey == nil {
		return nil, errors.New("auth: no verification key configured (need a public key path or an HMAC secret)")
	}

	methods := []string{}
	if v.publicKey != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	if v.hmacKey != nil {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	v.parser = jwt.NewParser(
		jwt.WithValidMethods(methods),
		jwt.WithAudience(cfg.Audience),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	return v, nil
}

// Verify checks one sanitized token string and returns the Principal.
func (v *Verifier) Verify(token string) (Principal, error) {
	token = Sanitize(token)
	if token == "" {
		return Principal{}, ErrMissingToken
	}

	var c claims
	_, err := v.parser.ParseWithClaims(token, &c, v.keyFor)
	if err != nil {
		return Principal{}, classify(err)
	}

	// The relay requires the identity claims beyond what JWT validation
	// covers; a structurally valid token without them is malformed.
	if c.UserID == "" || c.TenantID == "" || c.Email == "" || c.Role == "" || c.IssuedAt == nil {
		return Principal{}, fmt.Errorf("%w: missing required claims", ErrMalformed)
	}

	p := Principal{
		UserID:   c.UserID,
		TenantID: c.TenantID,
		Email:    c.Email,
		Role:     c.Role,
		Audience: v.audience,
		Issuer:   c.Issuer,
	}
	if c.ExpiresAt != nil {
		p.Expiry = c.ExpiresAt.Time
	}
	return p, nil
}

// keyFor selects the verification key by signing method. The parser has
// already constrained the allowed methods.
func (v *Verifier) keyFor(t *jwt.Token) (any, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodRSA:
		if v.publicKey == nil {
			return nil, errors.New("rsa key not configured")
		}
		return v.publicKey, nil
	case *jwt.SigningMethodHMAC:
		if v.hmacKey == nil {
			return nil, errors.New("hmac key not configured")
		}
		return v.hmacKey, nil
	default:
		return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
	}
}

// classify maps jwt library errors onto the package's typed causes.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %s", ErrExpired, "exp is in the past")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenInvalidAudience),
		errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrSignature, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

// BearerFromRequest extracts the raw bearer token from an upgrade request:
// the Authorization header is preferred, with the token query parameter as a
// fallback for browser WebSocket clients that cannot set headers.
func BearerFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		// Some agents send the bare token without the scheme.
		return h
	}
	return r.URL.Query().Get("token")
}

// Sanitize normalizes a token as received on the wire: surrounding
// whitespace and embedded line breaks are stripped, and the result is
// URL-percent-decoded exactly once.
func Sanitize(token string) string {
	token = strings.TrimSpace(token)
	token = strings.NewReplacer("\r", "", "\n", "").Replace(token)
	if dec, err := url.QueryUnescape(token); err == nil {
		token = dec
	}
	return strings.TrimSpace(token)
}
