package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"hash"
	"log/slog"
	"net/http"
	"testing"

	gh "github.com/google/go-github/v68/github"

	"github.com/donaldgifford/stapsher/internal/apperr"
)

const testSecret = "test-secret"

func signPayload(payload []byte, secret string) string {
	return signWith("sha256", sha256.New, payload, secret)
}

func signWith(prefix string, h func() hash.Hash, payload []byte, secret string) string {
	mac := hmac.New(h, []byte(secret))
	mac.Write(payload)

	return prefix + "=" + hex.EncodeToString(mac.Sum(nil))
}

func newTestRouter(t *testing.T) *Router {
	t.Helper()

	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	return NewRouter(v, slog.Default())
}

func signedEvent(name string, payload []byte) Event {
	return Event{
		Name:       name,
		DeliveryID: "delivery-1",
		Payload:    payload,
		Signature:  signPayload(payload, testSecret),
	}
}

func TestNewVerifier_EmptySecret(t *testing.T) {
	t.Parallel()

	if _, err := NewVerifier(""); !errors.Is(err, ErrEmptySecret) {
		t.Errorf("err = %v, want ErrEmptySecret", err)
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	v, err := NewVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	payload := []byte(`{"zen":"Keep it logically awesome."}`)

	flipped := signPayload(payload, testSecret)
	last := flipped[len(flipped)-1]

	if last == '0' {
		flipped = flipped[:len(flipped)-1] + "1"
	} else {
		flipped = flipped[:len(flipped)-1] + "0"
	}

	tampered := append([]byte(nil), payload...)
	tampered[2] ^= 0x01

	tests := []struct {
		name    string
		payload []byte
		header  string
		want    bool
	}{
		{name: "sha256", payload: payload, header: signPayload(payload, testSecret), want: true},
		{name: "sha1", payload: payload, header: signWith("sha1", sha1.New, payload, testSecret), want: true},
		{name: "sha512", payload: payload, header: signWith("sha512", sha512.New, payload, testSecret), want: true},
		{name: "flipped digest", payload: payload, header: flipped, want: false},
		{name: "tampered payload", payload: tampered, header: signPayload(payload, testSecret), want: false},
		{name: "wrong secret", payload: payload, header: signPayload(payload, "other"), want: false},
		{name: "empty header", payload: payload, header: "", want: false},
		{name: "no algorithm", payload: payload, header: "deadbeef", want: false},
		{name: "unknown algorithm", payload: payload, header: "md5=deadbeef", want: false},
		{name: "not hex", payload: payload, header: "sha256=zz", want: false},
		{name: "empty payload", payload: nil, header: signPayload(nil, testSecret), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := v.Verify(tt.payload, tt.header); got != tt.want {
				t.Errorf("Verify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatch_ValidationOrder(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"zen":"hi"}`)

	tests := []struct {
		name       string
		event      Event
		wantCode   apperr.Code
		wantStatus int
	}{
		{
			name:       "missing name wins over everything",
			event:      Event{Payload: nil, Signature: "garbage"},
			wantCode:   apperr.MissingEventName,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "blank name",
			event:      Event{Name: "  ", Payload: payload, Signature: signPayload(payload, testSecret)},
			wantCode:   apperr.MissingEventName,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "missing payload before signature",
			event:      Event{Name: "ping", Signature: "garbage"},
			wantCode:   apperr.MissingEventPayload,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "bad signature",
			event:      Event{Name: "ping", Payload: payload, Signature: signPayload(payload, "other")},
			wantCode:   apperr.SignatureVerificationFailed,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "bad signature on unknown event",
			event:      Event{Name: "star", Payload: payload, Signature: "sha256=00"},
			wantCode:   apperr.SignatureVerificationFailed,
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := newTestRouter(t)

			called := false
			r.Register("ping", func(context.Context, *Delivery) error {
				called = true
				return nil
			})

			_, err := r.Dispatch(context.Background(), tt.event)

			code, status := apperr.Classify(err)
			if code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}

			if status != tt.wantStatus {
				t.Errorf("status = %d, want %d", status, tt.wantStatus)
			}

			if called {
				t.Error("handler invoked for a rejected event")
			}
		})
	}
}

func TestDispatch_UnknownEventAcknowledged(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)

	res, err := r.Dispatch(context.Background(), signedEvent("star", []byte(`{"action":"created"}`)))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if res.Handled {
		t.Error("unknown event reported as handled")
	}
}

func TestDispatch_DecodedPayload(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)

	var got *Delivery

	r.Register("ping", func(_ context.Context, d *Delivery) error {
		got = d
		return nil
	})

	res, err := r.Dispatch(context.Background(), signedEvent("ping", []byte(`{"zen":"Design for failure.","hook_id":7}`)))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if !res.Handled {
		t.Fatal("expected the event to be handled")
	}

	ping, ok := got.Payload.(*gh.PingEvent)
	if !ok {
		t.Fatalf("payload = %T, want *github.PingEvent", got.Payload)
	}

	if ping.GetZen() != "Design for failure." || ping.GetHookID() != 7 {
		t.Errorf("ping = %+v", ping)
	}

	if got.DeliveryID != "delivery-1" || got.Name != "ping" {
		t.Errorf("delivery = %+v", got)
	}
}

func TestDispatch_HandlerError(t *testing.T) {
	t.Parallel()

	cause := apperr.New(apperr.RateLimited, "create installation token", errors.New("429"))

	r := newTestRouter(t)
	r.Register("ping", func(context.Context, *Delivery) error {
		return cause
	})

	_, err := r.Dispatch(context.Background(), signedEvent("ping", []byte(`{"zen":"x"}`)))

	code, status := apperr.Classify(err)
	if code != apperr.WebhookHandlerError || status != http.StatusBadRequest {
		t.Errorf("classified = %s/%d, want %s/400", code, status, apperr.WebhookHandlerError)
	}

	if !errors.Is(err, cause) {
		t.Error("handler error does not wrap the cause")
	}
}

func TestDispatch_HandlerPanic(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	r.Register("ping", func(context.Context, *Delivery) error {
		panic("boom")
	})

	_, err := r.Dispatch(context.Background(), signedEvent("ping", []byte(`{"zen":"x"}`)))

	code, status := apperr.Classify(err)
	if code != apperr.WebhookHandlerError || status != http.StatusBadRequest {
		t.Errorf("classified = %s/%d, want %s/400", code, status, apperr.WebhookHandlerError)
	}

	// The router keeps working after a panic.
	r.Register("ping", func(context.Context, *Delivery) error { return nil })

	if _, err := r.Dispatch(context.Background(), signedEvent("ping", []byte(`{"zen":"x"}`))); err != nil {
		t.Errorf("Dispatch after panic: %v", err)
	}
}

func TestDispatch_MalformedPayload(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t)
	r.Register("ping", func(context.Context, *Delivery) error {
		t.Error("handler invoked for an undecodable payload")
		return nil
	})

	_, err := r.Dispatch(context.Background(), signedEvent("ping", []byte(`{"zen":`)))
	if code := apperr.CodeOf(err); code != apperr.WebhookHandlerError {
		t.Errorf("code = %s, want %s", code, apperr.WebhookHandlerError)
	}
}
