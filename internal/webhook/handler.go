// Package webhook is the trust boundary for GitHub App webhook deliveries:
// signature verification, event routing and the HTTP endpoint.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/donaldgifford/stapsher/internal/apperr"
)

// maxPayloadBytes is the largest delivery GitHub sends.
const maxPayloadBytes = 25 << 20

// Handler is the HTTP endpoint for GitHub webhook deliveries.
type Handler struct {
	router *Router
	logger *slog.Logger
}

// NewHandler creates a new webhook Handler.
func NewHandler(router *Router, logger *slog.Logger) *Handler {
	return &Handler{
		router: router,
		logger: logger,
	}
}

// errorBody is the JSON body of a rejected delivery.
type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

// ServeHTTP implements http.Handler for GitHub webhook events.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}

		h.logger.Warn("failed to read webhook body", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)

		return
	}

	deliveryID := r.Header.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = r.Header.Get("X-Hub-Signature")
	}

	ev := Event{
		Name:       r.Header.Get("X-GitHub-Event"),
		DeliveryID: deliveryID,
		Payload:    payload,
		Signature:  signature,
	}

	res, err := h.router.Dispatch(r.Context(), ev)
	if err != nil {
		code, status := apperr.Classify(err)

		h.logger.Warn("webhook rejected",
			"event", ev.Name,
			"delivery_id", deliveryID,
			"code", code,
			"status", status,
			"error", err,
		)

		writeError(w, status, code, err)

		return
	}

	if !res.Handled {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, status int, code apperr.Code, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Handler failures may carry stack traces; only the code leaves the process.
	msg := string(code)

	var classified *apperr.Error
	if errors.As(err, &classified) && classified.Code != apperr.WebhookHandlerError {
		msg = classified.Error()
	}

	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Message: msg})
}
