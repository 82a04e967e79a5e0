package verification

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"census/pkg/platform/sentinel"
)

// SessionClaims is the payload carried by a verification session token.
type SessionClaims struct {
	jwt.RegisteredClaims
	OrganizationID int64 `json:"organization_id"`
	VerificationID int64 `json:"verification_id"`
}

// SessionIssuer mints and validates the signed session tokens stored on
// verification rows. A nil issuer (no secret configured) writes rows without
// a session.
type SessionIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessionIssuer builds an issuer; returns nil when secret is empty.
func NewSessionIssuer(secret string, ttl time.Duration) *SessionIssuer {
	if secret == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &SessionIssuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue mints a session token bound to the user and verification.
func (i *SessionIssuer) Issue(userID, organizationID, verificationID int64) (string, error) {
	if i == nil {
		return "", nil
	}
	now := i.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		OrganizationID: organizationID,
		VerificationID: verificationID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign verification session: %w", err)
	}
	return token, nil
}

// Validate parses a session token and returns its claims. Expired or
// malformed tokens surface sentinel.ErrInvalidState.
func (i *SessionIssuer) Validate(token string) (*SessionClaims, error) {
	if i == nil {
		return nil, fmt.Errorf("session issuer not configured: %w", sentinel.ErrInvalidState)
	}
	var claims SessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return i.now() }))
	if err != nil {
		return nil, fmt.Errorf("parse verification session: %w: %v", sentinel.ErrInvalidState, err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("verification session invalid: %w", sentinel.ErrInvalidState)
	}
	return &claims, nil
}
