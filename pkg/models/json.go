package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap maps a jsonb column to a Go map. It implements sql.Scanner and
// driver.Valuer so sqlx can round-trip it without helper code.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for JSONMap.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JSONMap.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, (*map[string]interface{})(m))
	case string:
		return json.Unmarshal([]byte(v), (*map[string]interface{})(m))
	default:
		return fmt.Errorf("unsupported type %T for JSONMap", value)
	}
}

// Clone returns a shallow copy; nested values are shared.
func (m JSONMap) Clone() JSONMap {
	if m == nil {
		return nil
	}
	out := make(JSONMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// JSONValue maps a jsonb column to an arbitrary JSON value: object,
// list, scalar, or null. Used where the shape is not fixed, such as
// execution output, which is a list for with-items leaves.
type JSONValue struct {
	V interface{}
}

// Value implements driver.Valuer for JSONValue.
func (j JSONValue) Value() (driver.Value, error) {
	return json.Marshal(j.V)
}

// Scan implements sql.Scanner for JSONValue.
func (j *JSONValue) Scan(value interface{}) error {
	if value == nil {
		j.V = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, &j.V)
	case string:
		return json.Unmarshal([]byte(v), &j.V)
	default:
		return fmt.Errorf("unsupported type %T for JSONValue", value)
	}
}

// MarshalJSON emits the wrapped value directly.
func (j JSONValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(j.V)
}

// UnmarshalJSON captures any JSON value.
func (j *JSONValue) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &j.V)
}

// IsNull reports whether the value is JSON null.
func (j JSONValue) IsNull() bool { return j.V == nil }
