package types

import "time"

// FactRecord is the structured output of a completed data-collection
// dialogue: a mapping from field name to scalar value (string, number,
// boolean). Two equivalent shapes occur in practice and both must be
// accepted transparently:
//
//   - nested:    {"car": {"manufacturer": "Honda", "license_plate": "XYZ 789"},
//                 "customer": {"name": "Jane Smith", "birthdate": "1990-03-20"}}
//   - flattened: {"manufacturer": "Honda", "licensePlate": "XYZ 789",
//                 "customerName": "Jane Smith", "birthdate": "1990-03-20"}
//
// Missing fields are simply omitted. Field access goes through the
// normalize package's resolver rather than direct map lookups.
type FactRecord map[string]any

// Embedding is a fixed-length vector representing the semantic content of a
// record's canonical description, tagged with the model that produced it.
// All embeddings compared against each other must share the same dimension.
type Embedding struct {
	Vector    []float64 `json:"vector"`
	Dimension int       `json:"dimension"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
}

// VehicleRecord is a persisted fact record. Only records with a non-nil
// Embedding participate in semantic ranking; records without one are still
// reachable through the exact plate-key lookup.
type VehicleRecord struct {
	ID        string     `json:"id"`
	Fields    FactRecord `json:"fields"`
	PlateKey  string     `json:"plate_key,omitempty"` // normalized plate, computed on write
	Embedding *Embedding `json:"embedding,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// HasEmbedding reports whether the record carries a usable embedding vector.
func (r *VehicleRecord) HasEmbedding() bool {
	return r.Embedding != nil && len(r.Embedding.Vector) > 0
}

// DuplicateResult is the outcome of one duplicate-detection request. It is
// computed transiently and never persisted.
//
// Privacy invariant: this struct must never carry any field value from any
// FactRecord. Only the opaque identifier of the matched record and a numeric
// similarity score are permitted. Do not add descriptive or explanatory
// fields here without auditing every producer.
type DuplicateResult struct {
	IsDuplicate          bool    `json:"is_duplicate"`
	SimilarityScore      float64 `json:"similarity_score,omitempty"`
	ExistingRecordID     string  `json:"existing_record_id,omitempty"`
	RequiresConfirmation bool    `json:"requires_confirmation"`
}
