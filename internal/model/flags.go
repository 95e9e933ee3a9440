package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// FlagMap stores per-bot feature flags as a jsonb column.
type FlagMap map[string]string

// Value implements driver.Valuer for jsonb storage
func (f FlagMap) Value() (driver.Value, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for jsonb storage
func (f *FlagMap) Scan(value interface{}) error {
	if value == nil {
		*f = FlagMap{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported flag map source type %T", value)
	}

	return json.Unmarshal(data, f)
}
