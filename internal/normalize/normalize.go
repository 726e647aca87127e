// Package normalize converts fact records into canonical descriptive strings
// suitable for embedding. Normalization is a pure function of the record's
// field values: identical data always yields an identical string, regardless
// of which shape (nested or flattened) the record arrived in. That stability
// is what makes embeddings reproducible across retries.
package normalize

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/fleetform/intake/pkg/types"
)

// NoDataSentinel is returned when a record contains none of the recognized
// fields. The embedding gateway must never receive an empty input.
const NoDataSentinel = "No data available"

// field describes one logical field: where to find it in either record
// shape, the label used in the canonical string, and an optional value
// transform. Emission order of the fields slice is fixed and load-bearing.
type field struct {
	label     string
	nested    [2]string // container key, leaf key
	flat      []string  // top-level aliases, first match wins
	transform func(string) string
}

// fields lists the recognized fields in canonical emission order.
// Nested locations are preferred over flat ones; a field present in both
// shapes is emitted once, from the nested value.
var fields = []field{
	{label: "Vehicle type", nested: [2]string{"car", "car_type"}, flat: []string{"carType", "vehicleType"}},
	{label: "Manufacturer", nested: [2]string{"car", "manufacturer"}, flat: []string{"manufacturer"}},
	{label: "Model", nested: [2]string{"car", "model"}, flat: []string{"model"}},
	{label: "Year", nested: [2]string{"car", "year"}, flat: []string{"year"}},
	{label: "License plate", nested: [2]string{"car", "license_plate"}, flat: []string{"licensePlate", "license_plate"}, transform: NormalizePlate},
	{label: "Customer", nested: [2]string{"customer", "name"}, flat: []string{"customerName", "customer_name"}, transform: normalizeName},
	{label: "Birthdate", nested: [2]string{"customer", "birthdate"}, flat: []string{"birthdate", "customerBirthdate"}},
}

// Normalize renders a fact record as its canonical descriptive string.
// Fields are emitted in the fixed order above, each as "<Label>: <value>",
// joined with ", ". Records with no recognized fields yield NoDataSentinel.
func Normalize(record types.FactRecord) string {
	var parts []string
	for _, f := range fields {
		value, ok := resolve(record, f)
		if !ok {
			continue
		}
		if f.transform != nil {
			value = f.transform(value)
		}
		if value == "" {
			continue
		}
		parts = append(parts, f.label+": "+value)
	}
	if len(parts) == 0 {
		return NoDataSentinel
	}
	return strings.Join(parts, ", ")
}

// PlateKey extracts the normalized license-plate key from a record, checking
// the nested shape first and then the flat one. The second return value is
// false when no plate is present.
func PlateKey(record types.FactRecord) (string, bool) {
	for _, f := range fields {
		if f.label != "License plate" {
			continue
		}
		value, ok := resolve(record, f)
		if !ok {
			return "", false
		}
		key := NormalizePlate(value)
		return key, key != ""
	}
	return "", false
}

// NormalizePlate uppercases a plate value and strips all whitespace and
// separator dashes, so "test 999", "TEST-999" and "TEST 999 " all compare
// under the same key.
func NormalizePlate(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' {
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// resolve looks a field up by its nested path, falling back to the flat
// aliases. Nested wins when both shapes carry the field, so a value is
// never emitted twice.
func resolve(record types.FactRecord, f field) (string, bool) {
	if container, ok := record[f.nested[0]]; ok {
		if m, ok := container.(map[string]any); ok {
			if v, ok := m[f.nested[1]]; ok {
				if s, ok := scalarString(v); ok {
					return s, true
				}
			}
		}
	}
	for _, key := range f.flat {
		if v, ok := record[key]; ok {
			if s, ok := scalarString(v); ok {
				return s, true
			}
		}
	}
	return "", false
}

// scalarString renders a scalar field value as a string. JSON decoding
// produces float64 for all numbers, so integral floats are rendered without
// a fractional part ("2019", not "2019.0"). Nil and non-scalar values are
// treated as absent.
func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return "", false
		}
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return "", false
	}
}
