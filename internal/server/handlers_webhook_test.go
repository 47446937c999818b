package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/qpick/availability/backend/internal/auth"
	"github.com/qpick/availability/backend/internal/notify"
)

type stubDispatcher struct {
	outcome notify.Outcome
	err     error
	calls   int
}

func (s *stubDispatcher) Dispatch(context.Context, notify.Trigger) (notify.Outcome, error) {
	s.calls++
	return s.outcome, s.err
}

func newWebhookRouter(verifier WebhookVerifier, dispatcher NotificationDispatcher, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.TestMode)
	handler := &httpHandler{webhook: verifier, dispatcher: dispatcher, logger: logger}
	router := gin.New()
	router.POST("/api/notify/webhook", handler.handleNotifyWebhook)
	return router
}

func postWebhook(t *testing.T, router http.Handler, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	body := `{"type":"INSERT","table":"store_product_flags","record":{"store_id":"s","product_id":1,"status":"found"}}`
	request := httptest.NewRequest(http.MethodPost, "/api/notify/webhook", strings.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		request.Header.Set("Authorization", authorization)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	return recorder
}

func TestNotifyWebhookRejectsWrongSecret(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	dispatcher := &stubDispatcher{}
	router := newWebhookRouter(auth.NewWebhookVerifier("expected"), dispatcher, zap.New(core))

	recorder := postWebhook(t, router, "Bearer nope")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if dispatcher.calls != 0 {
		t.Fatal("dispatcher must not run for unauthorized calls")
	}
	entries := logs.FilterMessage("webhook unauthorized").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn log, got %+v", entries)
	}
	if entries[0].ContextMap()["has_auth_header"] != true {
		t.Fatalf("expected has_auth_header field, got %v", entries[0].ContextMap())
	}
}

func TestNotifyWebhookWithoutSecretIsServerError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	for _, verifier := range []WebhookVerifier{nil, auth.NewWebhookVerifier("  ")} {
		router := newWebhookRouter(verifier, &stubDispatcher{}, zap.New(core))
		recorder := postWebhook(t, router, "Bearer anything")
		if recorder.Code != http.StatusInternalServerError {
			t.Fatalf("expected 500, got %d", recorder.Code)
		}
	}
	if logs.FilterMessage("webhook rejected").Len() != 2 {
		t.Fatalf("expected error logs for missing secret")
	}
}

func TestNotifyWebhookOutcomeShapes(t *testing.T) {
	testCases := []struct {
		name       string
		outcome    notify.Outcome
		err        error
		wantStatus int
		wantKey    string
		wantValue  any
	}{
		{name: "sent", outcome: notify.Outcome{Kind: notify.OutcomeSent, Sent: 2}, wantStatus: http.StatusOK, wantKey: "sent", wantValue: float64(2)},
		{name: "dedup", outcome: notify.Outcome{Kind: notify.OutcomeDedup}, wantStatus: http.StatusOK, wantKey: "dedup", wantValue: true},
		{name: "cooldown", outcome: notify.Outcome{Kind: notify.OutcomeCooldown}, wantStatus: http.StatusOK, wantKey: "cooldown", wantValue: true},
		{name: "ignored ttl", outcome: notify.Outcome{Kind: notify.OutcomeIgnoredTTL}, wantStatus: http.StatusOK, wantKey: "ignored_ttl", wantValue: true},
		{name: "failure", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantKey: "error", wantValue: errorCodeInternal},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			router := newWebhookRouter(auth.NewWebhookVerifier("secret"), &stubDispatcher{outcome: testCase.outcome, err: testCase.err}, zap.NewNop())
			recorder := postWebhook(t, router, "Bearer secret")
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d", testCase.wantStatus, recorder.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body[testCase.wantKey] != testCase.wantValue {
				t.Fatalf("expected %s=%v, got %v", testCase.wantKey, testCase.wantValue, body)
			}
		})
	}
}

func TestNotifyWebhookMalformedBodyIsServerError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	dispatcher := &stubDispatcher{}
	router := newWebhookRouter(auth.NewWebhookVerifier("secret"), dispatcher, zap.New(core))
	request := httptest.NewRequest(http.MethodPost, "/api/notify/webhook", strings.NewReader("{"))
	request.Header.Set("Authorization", "Bearer secret")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["error"] != errorCodeInvalidPayload {
		t.Fatalf("expected invalid_payload, got %v", body)
	}
	if dispatcher.calls != 0 {
		t.Fatal("dispatcher must not run for unreadable payloads")
	}
	if logs.FilterMessage("webhook payload rejected").Len() != 1 {
		t.Fatal("expected payload rejection to be logged")
	}
}
