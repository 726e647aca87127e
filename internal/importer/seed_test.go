package importer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetform/intake/internal/normalize"
)

const seedYAML = `records:
  - car:
      car_type: Sedan
      manufacturer: Honda
      model: Civic
      year: 2019
      license_plate: XYZ-789
    customer:
      name: Jane Smith
      birthdate: "1990-03-20"
  - manufacturer: Ford
    model: Focus
    licensePlate: "test 999"
  - {}
`

func TestParseSeed(t *testing.T) {
	records, err := ParseSeed([]byte(seedYAML))
	if err != nil {
		t.Fatalf("ParseSeed failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records (empty entry skipped), got %d", len(records))
	}

	car, ok := records[0]["car"].(map[string]any)
	if !ok {
		t.Fatalf("expected nested car map, got %T", records[0]["car"])
	}
	if car["manufacturer"] != "Honda" {
		t.Errorf("expected manufacturer Honda, got %v", car["manufacturer"])
	}
	if records[1]["manufacturer"] != "Ford" {
		t.Errorf("expected flat manufacturer Ford, got %v", records[1]["manufacturer"])
	}

	// Plate keys from both shapes normalize to the lookup form.
	key, ok := normalize.PlateKey(records[0])
	if !ok || key != "XYZ789" {
		t.Errorf("expected plate key XYZ789, got %q (ok=%v)", key, ok)
	}
	key, ok = normalize.PlateKey(records[1])
	if !ok || key != "TEST999" {
		t.Errorf("expected plate key TEST999, got %q (ok=%v)", key, ok)
	}
}

func TestParseSeed_Invalid(t *testing.T) {
	if _, err := ParseSeed([]byte("records: [")); err == nil {
		t.Error("expected error for malformed YAML")
	}
	if _, err := ParseSeed([]byte("records: []")); err == nil {
		t.Error("expected error for empty record list")
	}
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o644); err != nil {
		t.Fatalf("writing seed file: %v", err)
	}

	records, err := LoadSeedFile(path)
	if err != nil {
		t.Fatalf("LoadSeedFile failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records, got %d", len(records))
	}

	if _, err := LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
