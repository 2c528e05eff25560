package webhook

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	gh "github.com/google/go-github/v68/github"
	"github.com/google/uuid"

	"github.com/donaldgifford/stapsher/internal/apperr"
)

func makeRequest(t *testing.T, eventType string, payload any) *http.Request {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", eventType)
	req.Header.Set("X-GitHub-Delivery", "72d3162e-cc78-11e3-81ab-4c9367dc0958")
	req.Header.Set("X-Hub-Signature-256", signPayload(body, testSecret))

	return req
}

func newTestHandler(t *testing.T, register func(*Router)) *Handler {
	t.Helper()

	r := newTestRouter(t)
	if register != nil {
		register(r)
	}

	return NewHandler(r, slog.Default())
}

func decodeErrorBody(t *testing.T, rr *httptest.ResponseRecorder) errorBody {
	t.Helper()

	var body errorBody
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}

	return body
}

func TestHandleWebhook_Handled(t *testing.T) {
	t.Parallel()

	var got *gh.PullRequestEvent

	h := newTestHandler(t, func(r *Router) {
		r.Register("pull_request", func(_ context.Context, d *Delivery) error {
			got, _ = d.Payload.(*gh.PullRequestEvent)
			return nil
		})
	})

	payload := &gh.PullRequestEvent{
		Action: gh.Ptr("closed"),
		Number: gh.Ptr(3),
		Repo: &gh.Repository{
			Name:  gh.Ptr("site"),
			Owner: &gh.User{Login: gh.Ptr("myorg")},
		},
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, makeRequest(t, "pull_request", payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	if got == nil || got.GetNumber() != 3 || got.GetRepo().GetOwner().GetLogin() != "myorg" {
		t.Errorf("handler received %+v", got)
	}
}

func TestHandleWebhook_UnhandledEvent(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, nil)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, makeRequest(t, "star", map[string]string{"action": "created"}))

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rr.Code)
	}
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, func(r *Router) {
		r.Register("ping", func(context.Context, *Delivery) error {
			t.Error("handler invoked for an unsigned delivery")
			return nil
		})
	})

	body := []byte(`{"zen":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature-256", "sha256=invalid")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}

	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	if body := decodeErrorBody(t, rr); body.Code != apperr.SignatureVerificationFailed {
		t.Errorf("code = %s, want %s", body.Code, apperr.SignatureVerificationFailed)
	}
}

func TestHandleWebhook_MissingEventName(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, nil)

	body := []byte(`{"zen":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signPayload(body, testSecret))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rr.Code)
	}

	if body := decodeErrorBody(t, rr); body.Code != apperr.MissingEventName {
		t.Errorf("code = %s, want %s", body.Code, apperr.MissingEventName)
	}
}

func TestHandleWebhook_EmptyBody(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", http.NoBody)
	req.Header.Set("X-GitHub-Event", "ping")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if body := decodeErrorBody(t, rr); body.Code != apperr.MissingEventPayload {
		t.Errorf("code = %s, want %s", body.Code, apperr.MissingEventPayload)
	}
}

func TestHandleWebhook_HandlerError(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, func(r *Router) {
		r.Register("ping", func(context.Context, *Delivery) error {
			return errors.New("secret internal detail")
		})
	})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, makeRequest(t, "ping", map[string]string{"zen": "hi"}))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}

	body := decodeErrorBody(t, rr)
	if body.Code != apperr.WebhookHandlerError {
		t.Errorf("code = %s, want %s", body.Code, apperr.WebhookHandlerError)
	}

	if strings.Contains(body.Message, "secret internal detail") {
		t.Errorf("handler error leaked into response: %q", body.Message)
	}
}

func TestHandleWebhook_LegacySignatureHeader(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, func(r *Router) {
		r.Register("ping", func(context.Context, *Delivery) error { return nil })
	})

	body := []byte(`{"zen":"hi"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-Hub-Signature", signWith("sha1", sha1.New, body, testSecret))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestHandleWebhook_GeneratesDeliveryID(t *testing.T) {
	t.Parallel()

	var deliveryID string

	h := newTestHandler(t, func(r *Router) {
		r.Register("ping", func(_ context.Context, d *Delivery) error {
			deliveryID = d.DeliveryID
			return nil
		})
	})

	req := makeRequest(t, "ping", map[string]string{"zen": "hi"})
	req.Header.Del("X-GitHub-Delivery")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	if _, err := uuid.Parse(deliveryID); err != nil {
		t.Errorf("delivery id %q is not a uuid: %v", deliveryID, err)
	}
}

func TestHandleWebhook_PayloadTooLarge(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(make([]byte, maxPayloadBytes+1)))
	req.Header.Set("X-GitHub-Event", "ping")

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", rr.Code)
	}
}

func TestHandleWebhook_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	h := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/webhooks/github", http.NoBody)
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rr.Code)
	}
}
