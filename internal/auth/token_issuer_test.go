package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	testSigningSecret = "super-secret"
	testIssuer        = "qpick-api"
	testAudience      = "qpick-web"
)

type fixedSubjects struct {
	subject string
	err     error
}

func (f fixedSubjects) NewSubject() (string, error) {
	return f.subject, f.err
}

func TestTokenIssuerIssuesAnonymousSessions(t *testing.T) {
	clockNow := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      2 * time.Hour,
		Clock:         func() time.Time { return clockNow },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	session, err := issuer.IssueSession(context.Background())
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	parsedID, err := uuid.Parse(session.SubscriberID)
	if err != nil || parsedID.Version() != 7 {
		t.Fatalf("expected UUIDv7 subscriber id, got %q", session.SubscriberID)
	}
	if session.ExpiresIn != int64((2 * time.Hour).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", session.ExpiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return clockNow }))
	_, err = parser.ParseWithClaims(session.Token, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(testSigningSecret), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != session.SubscriberID {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != testIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != testAudience {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerSessionsAreDistinct(t *testing.T) {
	issuer := mustIssuer(t, time.Now)
	first, err := issuer.IssueSession(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := issuer.IssueSession(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.SubscriberID == second.SubscriberID {
		t.Fatalf("expected distinct subscriber ids")
	}
}

func TestTokenIssuerPropagatesSubjectFailure(t *testing.T) {
	failure := errors.New("entropy exhausted")
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		Subjects:      fixedSubjects{err: failure},
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := issuer.IssueSession(context.Background()); !errors.Is(err, failure) {
		t.Fatalf("expected subject failure, got %v", err)
	}
	if _, _, err := issuer.IssueToken(context.Background(), "  "); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  TokenIssuerConfig
	}{
		{name: "missing secret", cfg: TokenIssuerConfig{Issuer: testIssuer, Audience: testAudience}},
		{name: "missing issuer", cfg: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: " ", Audience: testAudience}},
		{name: "missing audience", cfg: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: testIssuer}},
		{name: "negative ttl", cfg: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: testIssuer, Audience: testAudience, TokenTTL: -time.Second}},
	}
	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(testCase.cfg); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}

func mustIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Hour,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	return issuer
}
