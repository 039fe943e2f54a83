package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
	"github.com/dmitrymomot/billingkit/pkg/logger"
)

// MaxPayloadBytes caps the size of an inbound notification.
const MaxPayloadBytes = 1 << 20

type receiptResponse struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

type eventResponse struct {
	ID              string `json:"id"`
	Provider        string `json:"provider"`
	ProviderEventID string `json:"provider_event_id"`
	Type            string `json:"type"`
	Status          Status `json:"status"`
	Attempts        int    `json:"attempts"`
	LastError       string `json:"last_error,omitempty"`
	ReceivedAt      string `json:"received_at"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Handle returns the ingress router. Mount it under a prefix such as
// /webhooks; providers post to /{provider}.
//
// Any 2xx tells the provider the event is durably stored. Rejected
// signatures get 400 and storage failures 500, so the provider redelivers.
func (p *Pipeline) Handle() http.Handler {
	r := chi.NewRouter()
	r.Post("/{provider}", p.receive)
	return r
}

// AdminHandler exposes dead letters and replay for operators. It has no
// authentication of its own.
func (p *Pipeline) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Get("/dead-letters", p.listDeadLetters)
	r.Get("/events/{id}", p.getEvent)
	r.Post("/events/{id}/replay", p.replay)
	return r
}

func (p *Pipeline) receive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "provider")
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxPayloadBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload_too_large", Message: err.Error()})
		return
	}

	receipt, err := p.Receive(r.Context(), name, payload, r.Header)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{
		ID:        receipt.Event.ID,
		Status:    receipt.Event.Status,
		Duplicate: receipt.Duplicate,
	})
}

func (p *Pipeline) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	evs, err := p.DeadLetters(r.Context(), limit)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	out := make([]eventResponse, 0, len(evs))
	for _, ev := range evs {
		out = append(out, toEventResponse(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (p *Pipeline) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := p.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(ev))
}

func (p *Pipeline) replay(w http.ResponseWriter, r *http.Request) {
	ev, err := p.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(ev))
}

func toEventResponse(ev *Event) eventResponse {
	return eventResponse{
		ID:              ev.ID,
		Provider:        ev.Provider,
		ProviderEventID: ev.ProviderEventID,
		Type:            ev.Type,
		Status:          ev.Status,
		Attempts:        ev.Attempts,
		LastError:       ev.LastError,
		ReceivedAt:      ev.ReceivedAt.UTC().Format(time.RFC3339),
	}
}

func (p *Pipeline) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := billingerr.HTTPStatus(err)
	if IsRejected(err) {
		status = http.StatusBadRequest
	}
	resp := errorResponse{Error: "internal", Message: "internal error"}
	if e, ok := billingerr.As(err); ok {
		resp = errorResponse{Error: e.Code, Message: e.Message}
	}
	if status >= http.StatusInternalServerError {
		p.logger.ErrorContext(r.Context(), "webhook request failed", logger.Error(err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
