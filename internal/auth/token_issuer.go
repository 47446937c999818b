package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultSessionTTL = 30 * 24 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errMissingAudience      = errors.New("audience must be provided")
)

// SubjectProvider yields fresh anonymous subscriber identities.
type SubjectProvider interface {
	NewSubject() (string, error)
}

type uuidSubjectProvider struct{}

func (uuidSubjectProvider) NewSubject() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// TokenIssuerConfig configures the anonymous session issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
	Subjects      SubjectProvider
}

// IssuedSession is the response to a session request.
type IssuedSession struct {
	SubscriberID string `json:"subscriber_id"`
	Token        string `json:"session_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// TokenIssuer mints anonymous subscriber identities and the HS256 tokens that carry them.
type TokenIssuer struct {
	signingSecret []byte
	issuer        string
	audience      string
	ttl           time.Duration
	clock         func() time.Time
	subjects      SubjectProvider
}

// NewTokenIssuer constructs a TokenIssuer. A zero TTL falls back to 30 days.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, errMissingAudience
	}
	ttl := cfg.TokenTTL
	if ttl < 0 {
		return nil, fmt.Errorf("token ttl must be positive, got %s", ttl)
	}
	if ttl == 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	subjects := cfg.Subjects
	if subjects == nil {
		subjects = uuidSubjectProvider{}
	}
	return &TokenIssuer{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		audience:      audience,
		ttl:           ttl,
		clock:         clock,
		subjects:      subjects,
	}, nil
}

// IssueSession creates a new subscriber identity and signs a token for it.
func (i *TokenIssuer) IssueSession(ctx context.Context) (IssuedSession, error) {
	subject, err := i.subjects.NewSubject()
	if err != nil {
		return IssuedSession{}, fmt.Errorf("generate subject: %w", err)
	}
	token, expiresIn, err := i.IssueToken(ctx, subject)
	if err != nil {
		return IssuedSession{}, err
	}
	return IssuedSession{SubscriberID: subject, Token: token, ExpiresIn: expiresIn}, nil
}

// IssueToken signs a token for an existing subject and returns it with its lifetime in seconds.
func (i *TokenIssuer) IssueToken(_ context.Context, subject string) (string, int64, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", 0, ErrMissingSessionSubject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl).UTC()

	registered := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		Audience:  []string{i.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.signingSecret)
	if err != nil {
		return "", 0, err
	}

	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}
