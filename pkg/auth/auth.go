// Package auth issues and verifies the short-lived tokens that open a sync
// connection.
//
// A token is an HS256 JWT: sub is the user id, aud the single property id the
// connection may address, did an optional device id.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roomsync/roomsync.go/pkg/constants"
	"github.com/roomsync/roomsync.go/pkg/errs"
	"github.com/roomsync/roomsync.go/pkg/models"
)

// Identity is who a verified token speaks for.
type Identity struct {
	UserID     string
	PropertyID string
	DeviceID   string
}

type claims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"did,omitempty"`
}

// Signer issues and verifies tokens with one shared secret.
type Signer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

type Option func(*Signer)

func WithTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithIssuer(issuer string) Option {
	return func(s *Signer) { s.issuer = issuer }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

func NewSigner(secret []byte, opts ...Option) (*Signer, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty token secret")
	}
	s := &Signer{
		secret: secret,
		ttl:    constants.DefaultTokenTTL,
		issuer: "roomsync",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue returns a signed token for id valid for the signer's TTL.
func (s *Signer) Issue(id Identity) (string, error) {
	if id.UserID == "" || id.PropertyID == "" {
		return "", errs.BadRequestf("token needs a user and a property")
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   id.UserID,
			Audience:  jwt.ClaimStrings{id.PropertyID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        models.NewID(),
		},
		DeviceID: id.DeviceID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
}

// Verify checks raw and returns its identity.
//
// A missing token is Unauthorized, an expired one SessionExpired, anything
// else that fails verification SessionInvalid.
func (s *Signer) Verify(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, errs.New(errs.Unauthorized, "missing token")
	}
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Identity{}, errs.Wrap(errs.SessionExpired, err, "session expired")
	case err != nil:
		return Identity{}, errs.Wrap(errs.SessionInvalid, err, "invalid session")
	}
	if c.Subject == "" || len(c.Audience) != 1 || c.Audience[0] == "" {
		return Identity{}, errs.New(errs.SessionInvalid, "invalid session")
	}
	return Identity{UserID: c.Subject, PropertyID: c.Audience[0], DeviceID: c.DeviceID}, nil
}

// Authorize verifies raw and checks that it addresses propertyID.
func (s *Signer) Authorize(raw, propertyID string) (Identity, error) {
	id, err := s.Verify(raw)
	if err != nil {
		return Identity{}, err
	}
	if id.PropertyID != propertyID {
		return Identity{}, errs.Newf(errs.Forbidden, "token is not valid for property %s", propertyID)
	}
	return id, nil
}
