package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken    = errors.New("auth: missing bearer token")
	ErrMalformedHeader = errors.New("auth: malformed authorization header")
	ErrInvalidToken    = errors.New("auth: invalid token")
)

// VerifierConfig holds the claim constraints a token must satisfy.
type VerifierConfig struct {
	Audience string
	// Issuer is checked only when set.
	Issuer string
	// SubjectPrefix is stripped from the subject claim to produce the local
	// user id, e.g. "auth0|".
	SubjectPrefix string
	Leeway        time.Duration
}

// Identity is the verified caller.
type Identity struct {
	// Subject is the raw sub claim.
	Subject string
	// UserID is Subject without the provider prefix. It is the mirror's
	// primary key.
	UserID    string
	Audience  []string
	ExpiresAt time.Time
}

// TokenVerifier verifies bearer tokens.
type TokenVerifier interface {
	Verify(token string) (Identity, error)
}

// Verifier checks RS256 tokens against a single public key. It holds no
// mutable state and is safe for concurrent use.
type Verifier struct {
	key    *rsa.PublicKey
	prefix string
	parser *jwt.Parser
}

func NewVerifier(key *rsa.PublicKey, cfg VerifierConfig) (*Verifier, error) {
	if key == nil {
		return nil, errors.New("auth: public key is required")
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("auth: audience is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}

	return &Verifier{
		key:    key,
		prefix: cfg.SubjectPrefix,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify validates signature, audience, issuer and time claims and returns
// the caller identity. Every failure wraps ErrInvalidToken.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return Identity{}, ErrMissingToken
	}

	claims := &jwt.RegisteredClaims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}

	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	userID := strings.TrimPrefix(subject, v.prefix)
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: empty subject after prefix", ErrInvalidToken)
	}

	identity := Identity{
		Subject:  subject,
		UserID:   userID,
		Audience: claims.Audience,
	}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}
