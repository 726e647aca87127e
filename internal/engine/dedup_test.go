package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fleetform/intake/internal/normalize"
	"github.com/fleetform/intake/pkg/types"
)

// fakeEmbedder returns canned vectors keyed by input text, or fails.
type fakeEmbedder struct {
	vectors map[string][]float64
	fail    bool
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	if f.fail {
		return nil, errors.New("gateway timeout")
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("no canned vector for input")
}

func (f *fakeEmbedder) GetModel() string { return "fake-embed" }

// fakeCandidateSource serves candidates and plate lookups from memory.
type fakeCandidateSource struct {
	records    []*types.VehicleRecord
	listErr    error
	findErr    error
}

func (f *fakeCandidateSource) ListCandidatesWithEmbedding(context.Context) ([]*types.VehicleRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*types.VehicleRecord
	for _, r := range f.records {
		if r.HasEmbedding() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeCandidateSource) FindByPlate(_ context.Context, key string) ([]*types.VehicleRecord, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	var out []*types.VehicleRecord
	for _, r := range f.records {
		if r.PlateKey == key {
			out = append(out, r)
		}
	}
	return out, nil
}

func storedHondaRecord() *types.VehicleRecord {
	fields := types.FactRecord{
		"car": map[string]any{
			"car_type":      "Sedan",
			"manufacturer":  "Honda",
			"model":         "Civic",
			"year":          float64(2019),
			"license_plate": "XYZ-789",
		},
		"customer": map[string]any{
			"name":      "Jane Smith",
			"birthdate": "1990-03-20",
		},
	}
	key, _ := normalize.PlateKey(fields)
	return &types.VehicleRecord{
		ID:       "rec-honda-1",
		Fields:   fields,
		PlateKey: key,
		Embedding: &types.Embedding{
			Vector:    []float64{1, 0, 0},
			Dimension: 3,
			Model:     "fake-embed",
			CreatedAt: time.Now(),
		},
	}
}

func newEngine(t *testing.T, embedder *fakeEmbedder, source *fakeCandidateSource) *DedupEngine {
	t.Helper()
	eng, err := NewDedupEngine(DefaultConfig(), embedder, source)
	if err != nil {
		t.Fatalf("NewDedupEngine failed: %v", err)
	}
	return eng
}

// Scenario A: the same Honda/Jane data phrased in the flat shape scores
// above threshold against the stored nested record.
func TestDetectDuplicate_SemanticHit(t *testing.T) {
	stored := storedHondaRecord()
	query := types.FactRecord{
		"carType":      "Sedan",
		"manufacturer": "Honda",
		"model":        "Civic",
		"year":         float64(2019),
		"licensePlate": "xyz 789",
		"customerName": "JANE SMITH",
		"birthdate":    "1990-03-20",
	}

	embedder := &fakeEmbedder{vectors: map[string][]float64{
		normalize.Normalize(query): {0.99, 0.1, 0},
	}}
	eng := newEngine(t, embedder, &fakeCandidateSource{records: []*types.VehicleRecord{stored}})

	result, err := eng.DetectDuplicate(context.Background(), query)
	if err != nil {
		t.Fatalf("DetectDuplicate failed: %v", err)
	}
	if !result.IsDuplicate {
		t.Fatal("expected duplicate")
	}
	if !result.RequiresConfirmation {
		t.Error("semantic hit must require confirmation")
	}
	if result.SimilarityScore <= 0.85 {
		t.Errorf("similarity %v not above threshold", result.SimilarityScore)
	}
	if result.ExistingRecordID != stored.ID {
		t.Errorf("matched ID %q, want %q", result.ExistingRecordID, stored.ID)
	}
}

// Scenario B: an unrelated Ford yields no duplicate at all.
func TestDetectDuplicate_NoMatch(t *testing.T) {
	stored := storedHondaRecord()
	query := types.FactRecord{
		"manufacturer": "Ford",
		"model":        "Transit",
		"year":         float64(2021),
		"licensePlate": "AAA-111",
		"customerName": "Bob Johnson",
	}

	embedder := &fakeEmbedder{vectors: map[string][]float64{
		normalize.Normalize(query): {0, 1, 0},
	}}
	eng := newEngine(t, embedder, &fakeCandidateSource{records: []*types.VehicleRecord{stored}})

	result, err := eng.DetectDuplicate(context.Background(), query)
	if err != nil {
		t.Fatalf("DetectDuplicate failed: %v", err)
	}
	if result.IsDuplicate || result.RequiresConfirmation {
		t.Errorf("expected no duplicate, got %+v", result)
	}
	if result.ExistingRecordID != "" {
		t.Errorf("no-match result must not carry a record ID, got %q", result.ExistingRecordID)
	}
}

// Scenario C: the gateway fails but the plates match modulo case and
// spacing, so the exact fallback catches the duplicate with score 1.0.
func TestDetectDuplicate_FallbackOnGatewayFailure(t *testing.T) {
	stored := &types.VehicleRecord{
		ID:       "rec-fallback-1",
		Fields:   types.FactRecord{"licensePlate": "TEST-999"},
		PlateKey: normalize.NormalizePlate("TEST-999"),
	}
	query := types.FactRecord{"licensePlate": "test 999", "manufacturer": "Honda"}

	eng := newEngine(t, &fakeEmbedder{fail: true}, &fakeCandidateSource{records: []*types.VehicleRecord{stored}})

	result, err := eng.DetectDuplicate(context.Background(), query)
	if err != nil {
		t.Fatalf("DetectDuplicate failed: %v", err)
	}
	if !result.IsDuplicate {
		t.Fatal("expected fallback plate match")
	}
	if result.SimilarityScore != 1.0 {
		t.Errorf("fallback score %v, want 1.0", result.SimilarityScore)
	}
	if result.ExistingRecordID != stored.ID {
		t.Errorf("matched ID %q, want %q", result.ExistingRecordID, stored.ID)
	}
}

// Scenario D: empty embedded corpus short-circuits to no duplicate.
func TestDetectDuplicate_EmptyCorpus(t *testing.T) {
	query := types.FactRecord{"licensePlate": "ZZZ-000", "manufacturer": "Honda"}
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		normalize.Normalize(query): {1, 0, 0},
	}}
	eng := newEngine(t, embedder, &fakeCandidateSource{})

	result, err := eng.DetectDuplicate(context.Background(), query)
	if err != nil {
		t.Fatalf("DetectDuplicate failed: %v", err)
	}
	if result.IsDuplicate || result.RequiresConfirmation {
		t.Errorf("expected no duplicate for empty corpus, got %+v", result)
	}
}

func TestDetectDuplicate_FallbackLookupFailureIsAbsorbed(t *testing.T) {
	source := &fakeCandidateSource{findErr: errors.New("database unavailable")}
	eng := newEngine(t, &fakeEmbedder{fail: true}, source)

	result, err := eng.DetectDuplicate(context.Background(), types.FactRecord{"licensePlate": "ABC-123"})
	if err != nil {
		t.Fatalf("fallback failure must be absorbed: %v", err)
	}
	if result.IsDuplicate {
		t.Errorf("expected fail-open no-duplicate, got %+v", result)
	}
}

func TestDetectDuplicate_NoPlateNoFallbackHit(t *testing.T) {
	eng := newEngine(t, &fakeEmbedder{fail: true}, &fakeCandidateSource{records: []*types.VehicleRecord{storedHondaRecord()}})

	result, err := eng.DetectDuplicate(context.Background(), types.FactRecord{"manufacturer": "Honda"})
	if err != nil {
		t.Fatalf("DetectDuplicate failed: %v", err)
	}
	if result.IsDuplicate {
		t.Errorf("record without plate must not fallback-match, got %+v", result)
	}
}

func TestDetectDuplicate_DimensionMismatchPropagates(t *testing.T) {
	stored := storedHondaRecord()
	stored.Embedding.Vector = []float64{1, 0} // wrong size vs query
	stored.Embedding.Dimension = 2

	query := types.FactRecord{"manufacturer": "Honda"}
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		normalize.Normalize(query): {1, 0, 0},
	}}
	eng := newEngine(t, embedder, &fakeCandidateSource{records: []*types.VehicleRecord{stored}})

	_, err := eng.DetectDuplicate(context.Background(), query)
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

func TestDetectDuplicate_SemanticHitSkipsFallback(t *testing.T) {
	stored := storedHondaRecord()
	// A second record shares the query's plate; the semantic hit must win
	// and the fallback must never run.
	plateTwin := &types.VehicleRecord{
		ID:       "rec-twin",
		Fields:   types.FactRecord{"licensePlate": "QQQ-111"},
		PlateKey: normalize.NormalizePlate("QQQ-111"),
	}

	query := types.FactRecord{"manufacturer": "Honda", "licensePlate": "QQQ-111"}
	embedder := &fakeEmbedder{vectors: map[string][]float64{
		normalize.Normalize(query): {1, 0, 0},
	}}
	eng := newEngine(t, embedder, &fakeCandidateSource{records: []*types.VehicleRecord{stored, plateTwin}})

	result, err := eng.DetectDuplicate(context.Background(), query)
	if err != nil {
		t.Fatalf("DetectDuplicate failed: %v", err)
	}
	if result.ExistingRecordID != stored.ID {
		t.Errorf("semantic hit should win over plate twin: got %q", result.ExistingRecordID)
	}
	if result.SimilarityScore == 1.0 && result.ExistingRecordID == plateTwin.ID {
		t.Error("fallback ran despite semantic hit")
	}
}

// Privacy property: no serialized result from any scenario may contain any
// substring of the input records' PII, and the confirmation message must
// not look like a name, date, or plate.
func TestDuplicateResult_NeverLeaksPII(t *testing.T) {
	stored := storedHondaRecord()
	queries := []types.FactRecord{
		{
			"manufacturer": "Honda", "model": "Civic", "licensePlate": "xyz 789",
			"customerName": "Jane Smith", "birthdate": "1990-03-20",
		},
		{"licensePlate": "test 999"},
		{"manufacturer": "Ford"},
	}
	piiTokens := []string{"Jane", "Smith", "jane", "smith", "1990-03-20", "XYZ", "789", "TEST999", "Honda", "Civic"}

	for i, query := range queries {
		// Exactly parallel vectors keep the score integral so the digit
		// checks below stay deterministic.
		embedder := &fakeEmbedder{vectors: map[string][]float64{
			normalize.Normalize(query): {1, 0, 0},
		}}
		if i == 1 {
			embedder.fail = true
		}
		eng := newEngine(t, embedder, &fakeCandidateSource{records: []*types.VehicleRecord{stored}})

		result, err := eng.DetectDuplicate(context.Background(), query)
		if err != nil {
			t.Fatalf("query %d: %v", i, err)
		}

		serialized, err := json.Marshal(result)
		if err != nil {
			t.Fatalf("query %d: marshal failed: %v", i, err)
		}
		for _, token := range piiTokens {
			if strings.Contains(string(serialized), token) {
				t.Errorf("query %d: result leaks %q: %s", i, token, serialized)
			}
		}
	}
}

func TestConfirmationMessage_StaticAndPIIFree(t *testing.T) {
	msg := ConfirmationMessage()
	if msg == "" {
		t.Fatal("confirmation message must not be empty")
	}
	if msg != ConfirmationMessage() {
		t.Error("confirmation message must be fixed")
	}
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "yes") || !strings.Contains(lower, "confirm") {
		t.Errorf("message must ask for explicit yes/confirm: %q", msg)
	}

	datePattern := regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	platePattern := regexp.MustCompile(`[A-Z]{2,3}-?\d{3}`)
	if datePattern.MatchString(msg) {
		t.Errorf("message matches a date pattern: %q", msg)
	}
	if platePattern.MatchString(msg) {
		t.Errorf("message matches a plate pattern: %q", msg)
	}
}

func TestNewDedupEngine_Validation(t *testing.T) {
	if _, err := NewDedupEngine(DefaultConfig(), &fakeEmbedder{}, nil); err == nil {
		t.Error("expected error for nil candidate source")
	}

	bad := Config{SimilarityThreshold: 1.5, EmbedTimeout: time.Second}
	if _, err := NewDedupEngine(bad, &fakeEmbedder{}, &fakeCandidateSource{}); err == nil {
		t.Error("expected error for out-of-range threshold")
	}
}
