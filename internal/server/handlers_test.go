package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetform/intake/internal/config"
	"github.com/fleetform/intake/internal/dialogue"
	"github.com/fleetform/intake/internal/engine"
	"github.com/fleetform/intake/internal/normalize"
	"github.com/fleetform/intake/internal/storage"
	"github.com/fleetform/intake/pkg/types"
)

// memBackend is an in-memory store implementing RecordStore,
// CandidateSource and EmbeddingProvider for handler tests.
type memBackend struct {
	mu         sync.Mutex
	records    map[string]*types.VehicleRecord
	embeddings map[string]*types.Embedding
}

func newMemBackend() *memBackend {
	return &memBackend{
		records:    make(map[string]*types.VehicleRecord),
		embeddings: make(map[string]*types.Embedding),
	}
}

func (m *memBackend) Store(ctx context.Context, record *types.VehicleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *record
	m.records[record.ID] = &clone
	return nil
}

func (m *memBackend) Get(ctx context.Context, id string) (*types.VehicleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *record
	clone.Embedding = m.embeddings[id]
	return &clone, nil
}

func (m *memBackend) List(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.VehicleRecord], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	opts.Normalize()

	all := make([]types.VehicleRecord, 0, len(m.records))
	for _, record := range m.records {
		all = append(all, *record)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	start := opts.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + opts.Limit
	if end > len(all) {
		end = len(all)
	}

	return &storage.PaginatedResult[types.VehicleRecord]{
		Items:    all[start:end],
		Total:    len(all),
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  end < len(all),
	}, nil
}

func (m *memBackend) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.records, id)
	delete(m.embeddings, id)
	return nil
}

func (m *memBackend) Close() error { return nil }

func (m *memBackend) ListCandidatesWithEmbedding(ctx context.Context) ([]*types.VehicleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.VehicleRecord
	for id, embedding := range m.embeddings {
		record, ok := m.records[id]
		if !ok {
			continue
		}
		clone := *record
		clone.Embedding = embedding
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memBackend) FindByPlate(ctx context.Context, normalizedKey string) ([]*types.VehicleRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.VehicleRecord
	for _, record := range m.records {
		if record.PlateKey == normalizedKey {
			clone := *record
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memBackend) StoreEmbedding(ctx context.Context, recordID string, embedding []float64, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.embeddings[recordID] = &types.Embedding{
		Vector:    embedding,
		Dimension: len(embedding),
		Model:     model,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *memBackend) GetEmbedding(ctx context.Context, recordID string) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	embedding, ok := m.embeddings[recordID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return embedding.Vector, nil
}

func (m *memBackend) DeleteEmbedding(ctx context.Context, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.embeddings, recordID)
	return nil
}

func (m *memBackend) GetDimension(ctx context.Context, model string) (int, error) {
	return 3, nil
}

var (
	_ storage.RecordStore       = (*memBackend)(nil)
	_ storage.CandidateSource   = (*memBackend)(nil)
	_ storage.EmbeddingProvider = (*memBackend)(nil)
)

// staticEmbedder returns the same vector for every input.
type staticEmbedder struct {
	vector []float64
}

func (s *staticEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return s.vector, nil
}

func (s *staticEmbedder) GetModel() string { return "static-test-model" }

// scriptedGenerator returns canned responses in order.
type scriptedGenerator struct {
	responses []string
	calls     int
}

func (s *scriptedGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	response := s.responses[s.calls%len(s.responses)]
	s.calls++
	return response, nil
}

func (s *scriptedGenerator) GetModel() string { return "scripted-test-model" }

func newTestHandlers(t *testing.T, backend *memBackend, collector *dialogue.Collector) *Handlers {
	t.Helper()
	detector, err := engine.NewDedupEngine(engine.DefaultConfig(), &staticEmbedder{vector: []float64{1, 0, 0}}, backend)
	require.NoError(t, err)
	return NewHandlers(backend, backend, detector, dialogue.NewManager(), collector, nil)
}

func seedRecord(t *testing.T, backend *memBackend, id string, withEmbedding bool) {
	t.Helper()
	fields := types.FactRecord{
		"manufacturer": "Honda",
		"model":        "Civic",
		"licensePlate": "XYZ-789",
	}
	key, ok := normalize.PlateKey(fields)
	require.True(t, ok)
	require.NoError(t, backend.Store(context.Background(), &types.VehicleRecord{
		ID:       id,
		Fields:   fields,
		PlateKey: key,
	}))
	if withEmbedding {
		require.NoError(t, backend.StoreEmbedding(context.Background(), id, []float64{1, 0, 0}, "static-test-model"))
	}
}

func TestCreateRecord_New(t *testing.T) {
	backend := newMemBackend()
	handlers := newTestHandlers(t, backend, nil)

	body := `{"manufacturer": "Honda", "model": "Civic", "licensePlate": "XYZ-789"}`
	req := httptest.NewRequest(http.MethodPost, "/api/records", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handlers.CreateRecord(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp CreateRecordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Stored)
	assert.False(t, resp.Duplicate.IsDuplicate)
	assert.NotEmpty(t, resp.RecordID)

	stored, err := backend.Get(context.Background(), resp.RecordID)
	require.NoError(t, err)
	assert.Equal(t, "XYZ789", stored.PlateKey)
	assert.True(t, stored.HasEmbedding(), "embedding should be stored alongside the record")
}

func TestCreateRecord_DuplicateRequiresConfirmation(t *testing.T) {
	backend := newMemBackend()
	seedRecord(t, backend, "existing-1", true)
	handlers := newTestHandlers(t, backend, nil)

	body := `{"manufacturer": "Honda", "model": "Civic", "licensePlate": "ABC-123"}`
	req := httptest.NewRequest(http.MethodPost, "/api/records", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handlers.CreateRecord(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)

	var resp CreateRecordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Stored)
	assert.True(t, resp.Duplicate.IsDuplicate)
	assert.Equal(t, "existing-1", resp.Duplicate.ExistingRecordID)
	assert.Equal(t, engine.ConfirmationMessage(), resp.Message)

	// Nothing new persisted.
	list, err := backend.List(context.Background(), storage.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
}

func TestCreateRecord_ConfirmUpdatesExisting(t *testing.T) {
	backend := newMemBackend()
	seedRecord(t, backend, "existing-1", true)
	handlers := newTestHandlers(t, backend, nil)

	body := `{"manufacturer": "Honda", "model": "Civic", "year": 2020, "licensePlate": "XYZ-789"}`
	req := httptest.NewRequest(http.MethodPost, "/api/records?confirm=true", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	handlers.CreateRecord(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp CreateRecordResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Stored)
	assert.Equal(t, "existing-1", resp.RecordID)

	stored, err := backend.Get(context.Background(), "existing-1")
	require.NoError(t, err)
	assert.Equal(t, float64(2020), stored.Fields["year"].(float64))
}

func TestCreateRecord_InvalidBody(t *testing.T) {
	handlers := newTestHandlers(t, newMemBackend(), nil)

	for _, body := range []string{"not json", "{}"} {
		req := httptest.NewRequest(http.MethodPost, "/api/records", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		handlers.CreateRecord(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
}

func TestGetRecord(t *testing.T) {
	backend := newMemBackend()
	seedRecord(t, backend, "existing-1", false)
	handlers := newTestHandlers(t, backend, nil)
	cfg := &config.Config{Security: config.SecurityConfig{Mode: "development"}}
	mux := buildMux(cfg, handlers, NewEventHub())

	req := httptest.NewRequest(http.MethodGet, "/api/records/existing-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var record types.VehicleRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
	assert.Equal(t, "existing-1", record.ID)

	req = httptest.NewRequest(http.MethodGet, "/api/records/missing", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteRecord(t *testing.T) {
	backend := newMemBackend()
	seedRecord(t, backend, "existing-1", true)
	handlers := newTestHandlers(t, backend, nil)
	cfg := &config.Config{Security: config.SecurityConfig{Mode: "development"}}
	mux := buildMux(cfg, handlers, NewEventHub())

	req := httptest.NewRequest(http.MethodDelete, "/api/records/existing-1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := backend.Get(context.Background(), "existing-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	req = httptest.NewRequest(http.MethodDelete, "/api/records/existing-1", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRecords_Pagination(t *testing.T) {
	backend := newMemBackend()
	for i := 0; i < 25; i++ {
		require.NoError(t, backend.Store(context.Background(), &types.VehicleRecord{
			ID:     string(rune('a'+i%26)) + "-record",
			Fields: types.FactRecord{"model": "Civic"},
		}))
	}
	handlers := newTestHandlers(t, backend, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/records?page=1&limit=10", nil)
	rec := httptest.NewRecorder()
	handlers.ListRecords(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result storage.PaginatedResult[types.VehicleRecord]
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 25, result.Total)
	assert.Len(t, result.Items, 10)
	assert.True(t, result.HasMore)
}

func TestChat_CollectFinalizeConfirm(t *testing.T) {
	backend := newMemBackend()
	seedRecord(t, backend, "existing-1", true)

	generator := &scriptedGenerator{responses: []string{
		`{"manufacturer": "Honda", "model": "Civic", "licensePlate": "XYZ-789"}`,
	}}
	collector, err := dialogue.NewCollector(generator)
	require.NoError(t, err)
	handlers := newTestHandlers(t, backend, collector)

	// Turn 1: collect facts.
	rec := postChat(t, handlers, ChatRequest{Message: "It's a Honda Civic, plate XYZ-789"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	assert.Equal(t, "Honda", resp.Record["manufacturer"])

	// Turn 2: finalize hits the stored duplicate and asks for confirmation.
	rec = postChat(t, handlers, ChatRequest{SessionID: resp.SessionID, Message: "that's all", Finalize: true})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Duplicate)
	assert.True(t, resp.Duplicate.IsDuplicate)
	assert.Equal(t, engine.ConfirmationMessage(), resp.Reply)

	// Turn 3: confirm updates the existing record.
	rec = postChat(t, handlers, ChatRequest{SessionID: resp.SessionID, Message: "yes"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Existing record updated.", resp.Reply)

	stored, err := backend.Get(context.Background(), "existing-1")
	require.NoError(t, err)
	assert.Equal(t, "Civic", stored.Fields["model"])
}

func TestChat_RejectionKeepsExisting(t *testing.T) {
	backend := newMemBackend()
	seedRecord(t, backend, "existing-1", true)

	generator := &scriptedGenerator{responses: []string{
		`{"manufacturer": "Honda", "model": "Accord", "licensePlate": "XYZ-789"}`,
	}}
	collector, err := dialogue.NewCollector(generator)
	require.NoError(t, err)
	handlers := newTestHandlers(t, backend, collector)

	rec := postChat(t, handlers, ChatRequest{Message: "Honda Accord, plate XYZ-789", Finalize: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Duplicate)

	rec = postChat(t, handlers, ChatRequest{SessionID: resp.SessionID, Message: "no"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp = ChatResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Duplicate)

	stored, err := backend.Get(context.Background(), "existing-1")
	require.NoError(t, err)
	assert.Equal(t, "Civic", stored.Fields["model"], "rejection must not modify the stored record")
}

func TestChat_WithoutCollector(t *testing.T) {
	handlers := newTestHandlers(t, newMemBackend(), nil)
	rec := postChat(t, handlers, ChatRequest{Message: "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func postChat(t *testing.T, handlers *Handlers, req ChatRequest) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	httpReq := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	handlers.Chat(rec, httpReq)
	return rec
}

func TestRequireAuth_Production(t *testing.T) {
	backend := newMemBackend()
	handlers := newTestHandlers(t, backend, nil)
	cfg := &config.Config{Security: config.SecurityConfig{Mode: "production", APIToken: "secret-token"}}
	mux := buildMux(cfg, handlers, NewEventHub())

	req := httptest.NewRequest(http.MethodGet, "/api/records", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/records", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/records", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
