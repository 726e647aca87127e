package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fleetform/intake/internal/dialogue"
	"github.com/fleetform/intake/internal/engine"
	"github.com/fleetform/intake/internal/normalize"
	"github.com/fleetform/intake/internal/storage"
	"github.com/fleetform/intake/pkg/types"
)

// Handlers contains the HTTP handlers for the intake REST API.
type Handlers struct {
	store      storage.RecordStore
	embeddings storage.EmbeddingProvider
	detector   *engine.DedupEngine
	sessions   *dialogue.Manager
	collector  *dialogue.Collector
	hub        *EventHub
}

// NewHandlers creates the API handlers. The collector and hub are optional;
// without a collector the chat endpoint reports the dialogue layer as
// unavailable, and without a hub no events are broadcast.
func NewHandlers(store storage.RecordStore, embeddings storage.EmbeddingProvider,
	detector *engine.DedupEngine, sessions *dialogue.Manager,
	collector *dialogue.Collector, hub *EventHub) *Handlers {
	return &Handlers{
		store:      store,
		embeddings: embeddings,
		detector:   detector,
		sessions:   sessions,
		collector:  collector,
		hub:        hub,
	}
}

// ErrorResponse is the JSON shape of all API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreateRecordResponse is returned by POST /api/records.
type CreateRecordResponse struct {
	RecordID  string                `json:"record_id,omitempty"`
	Stored    bool                  `json:"stored"`
	Duplicate types.DuplicateResult `json:"duplicate"`
	Message   string                `json:"message,omitempty"`
}

// CreateRecord handles POST /api/records. It runs duplicate detection before
// storing; on a duplicate hit the record is only persisted when the caller
// passes confirm=true, in which case the existing record is updated.
func (h *Handlers) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var fields types.FactRecord
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if len(fields) == 0 {
		respondError(w, http.StatusBadRequest, "record has no fields", nil)
		return
	}

	result, err := h.detector.DetectDuplicate(r.Context(), fields)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "duplicate detection failed", err)
		return
	}

	confirm := r.URL.Query().Get("confirm") == "true"
	if result.IsDuplicate && !confirm {
		respondJSON(w, http.StatusConflict, CreateRecordResponse{
			Stored:    false,
			Duplicate: result,
			Message:   engine.ConfirmationMessage(),
		})
		return
	}

	recordID, status := uuid.NewString(), http.StatusCreated
	eventType := "record_created"
	if result.IsDuplicate {
		recordID, status = result.ExistingRecordID, http.StatusOK
		eventType = "record_updated"
	}

	if err := h.persistRecord(r, recordID, fields); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store record", err)
		return
	}
	h.broadcast(eventType, recordID)

	respondJSON(w, status, CreateRecordResponse{
		RecordID:  recordID,
		Stored:    true,
		Duplicate: result,
	})
}

// GetRecord handles GET /api/records/{id}.
func (h *Handlers) GetRecord(w http.ResponseWriter, r *http.Request) {
	record, err := h.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "record not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to load record", err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// ListRecords handles GET /api/records with pagination.
func (h *Handlers) ListRecords(w http.ResponseWriter, r *http.Request) {
	opts := storage.ListOptions{
		Page:      parseInt(r.URL.Query().Get("page"), 1),
		Limit:     parseInt(r.URL.Query().Get("limit"), 20),
		SortOrder: r.URL.Query().Get("sort_order"),
	}

	result, err := h.store.List(r.Context(), opts)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list records", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// DeleteRecord handles DELETE /api/records/{id}.
func (h *Handlers) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "record not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to delete record", err)
		return
	}
	h.broadcast("record_deleted", id)
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ChatRequest is one conversational intake turn.
type ChatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`

	// Finalize submits the accumulated record for duplicate detection and
	// storage once the user is done providing facts.
	Finalize bool `json:"finalize,omitempty"`
}

// ChatResponse is the reply to one chat turn.
type ChatResponse struct {
	SessionID string                 `json:"session_id"`
	Reply     string                 `json:"reply"`
	Record    types.FactRecord       `json:"record"`
	Duplicate *types.DuplicateResult `json:"duplicate,omitempty"`
}

// Chat handles POST /api/chat: it feeds the message to the dialogue
// collector, and on finalize runs duplicate detection over the accumulated
// record. A duplicate hit parks the session in a pending-confirmation state
// resolved by the next turn.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	if h.collector == nil {
		respondError(w, http.StatusServiceUnavailable, "dialogue layer not configured", nil)
		return
	}

	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Message == "" {
		respondError(w, http.StatusBadRequest, "message is required", nil)
		return
	}

	session := h.sessions.GetOrCreate(req.SessionID)

	if pending := session.PendingDuplicate(); pending != nil {
		h.resolveConfirmation(w, r, session, req.Message)
		return
	}

	if _, err := h.collector.CollectTurn(r.Context(), session, req.Message); err != nil {
		respondError(w, http.StatusBadGateway, "dialogue turn failed", err)
		return
	}

	if !req.Finalize {
		respondJSON(w, http.StatusOK, ChatResponse{
			SessionID: session.ID,
			Reply:     "Noted. Send more details, or finalize to submit the record.",
			Record:    session.Record,
		})
		return
	}

	result, err := h.detector.DetectDuplicate(r.Context(), session.Record)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "duplicate detection failed", err)
		return
	}

	if result.IsDuplicate {
		session.AwaitConfirmation(result)
		respondJSON(w, http.StatusOK, ChatResponse{
			SessionID: session.ID,
			Reply:     engine.ConfirmationMessage(),
			Record:    session.Record,
			Duplicate: &result,
		})
		return
	}

	recordID := uuid.NewString()
	if err := h.persistRecord(r, recordID, session.Record); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store record", err)
		return
	}
	h.broadcast("record_created", recordID)
	h.sessions.Delete(session.ID)

	respondJSON(w, http.StatusOK, ChatResponse{
		SessionID: session.ID,
		Reply:     fmt.Sprintf("Record %s saved.", recordID),
		Record:    session.Record,
		Duplicate: &result,
	})
}

// resolveConfirmation consumes the user's answer to a pending duplicate
// confirmation: an affirmative reply updates the existing record with the
// session's accumulated fields, anything else keeps it unchanged.
func (h *Handlers) resolveConfirmation(w http.ResponseWriter, r *http.Request, session *dialogue.Session, message string) {
	result, confirmed := session.ResolveConfirmation(message)
	if !confirmed {
		respondJSON(w, http.StatusOK, ChatResponse{
			SessionID: session.ID,
			Reply:     "Understood, the existing record stays unchanged.",
			Record:    session.Record,
		})
		return
	}

	if err := h.persistRecord(r, result.ExistingRecordID, session.Record); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update record", err)
		return
	}
	h.broadcast("record_updated", result.ExistingRecordID)
	h.sessions.Delete(session.ID)

	respondJSON(w, http.StatusOK, ChatResponse{
		SessionID: session.ID,
		Reply:     "Existing record updated.",
		Record:    session.Record,
	})
}

// persistRecord stores a record and, best effort, its embedding. A gateway
// failure during embedding leaves the record reachable through the plate
// lookup only.
func (h *Handlers) persistRecord(r *http.Request, id string, fields types.FactRecord) error {
	now := time.Now().UTC()
	record := &types.VehicleRecord{
		ID:        id,
		Fields:    fields,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if key, ok := normalize.PlateKey(fields); ok {
		record.PlateKey = key
	}

	if err := h.store.Store(r.Context(), record); err != nil {
		return err
	}

	vector, err := h.detector.EmbedRecord(r.Context(), fields)
	if err != nil {
		log.Printf("Warning: record %s stored without embedding: %v", id, err)
		return nil
	}
	if err := h.embeddings.StoreEmbedding(r.Context(), id, vector, h.detector.EmbedderModel()); err != nil {
		log.Printf("Warning: failed to store embedding for record %s: %v", id, err)
	}
	return nil
}

func (h *Handlers) broadcast(eventType, recordID string) {
	if h.hub == nil {
		return
	}
	h.hub.Broadcast(Event{Type: eventType, RecordID: recordID, Timestamp: time.Now().UTC()})
}

// parseInt parses an integer from a string, returning defaultValue if
// parsing fails.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("ERROR: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code. The
// underlying error is logged, not returned to the client.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	if err != nil {
		log.Printf("ERROR: %s: %v", message, err)
	}
	respondJSON(w, statusCode, ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	})
}
