// Package importer loads vehicle records in bulk from YAML seed files.
package importer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fleetform/intake/pkg/types"
)

// SeedFile is the top-level structure of a YAML seed file.
type SeedFile struct {
	Records []SeedRecord `yaml:"records"`
}

// SeedRecord is one vehicle entry in a seed file. Both the nested and the
// flat field shapes accepted by the intake API are supported.
type SeedRecord struct {
	Car      map[string]any `yaml:"car"`
	Customer map[string]any `yaml:"customer"`
	Fields   map[string]any `yaml:",inline"`
}

// LoadSeedFile reads and parses a YAML seed file into fact records.
func LoadSeedFile(path string) ([]types.FactRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("importer: reading seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses YAML seed content into fact records. Empty entries are
// skipped; a file with no records is an error.
func ParseSeed(data []byte) ([]types.FactRecord, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("importer: parsing seed file: %w", err)
	}
	if len(seed.Records) == 0 {
		return nil, fmt.Errorf("importer: seed file contains no records")
	}

	records := make([]types.FactRecord, 0, len(seed.Records))
	for _, entry := range seed.Records {
		record := entry.toFactRecord()
		if len(record) == 0 {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// toFactRecord converts a seed entry into the map shape used throughout the
// intake pipeline, preserving the nested car/customer grouping when present.
func (r SeedRecord) toFactRecord() types.FactRecord {
	record := types.FactRecord{}
	for key, value := range r.Fields {
		if value == nil {
			continue
		}
		record[key] = value
	}
	if len(r.Car) > 0 {
		record["car"] = r.Car
	}
	if len(r.Customer) > 0 {
		record["customer"] = r.Customer
	}
	return record
}
