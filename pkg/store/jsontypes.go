package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// CounterMap counts occurrences per key (agent name, tool name, platform).
type CounterMap map[string]int64

// Increment adds one to key, inserting it at 1 when absent. An empty key is
// ignored. The (possibly newly allocated) map is returned.
func (c CounterMap) Increment(key string) CounterMap {
	if key == "" {
		return c
	}
	if c == nil {
		c = CounterMap{}
	}
	c[key]++
	return c
}

// Clone returns a copy
func (c CounterMap) Clone() CounterMap {
	if c == nil {
		return nil
	}
	out := make(CounterMap, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Value implements driver.Valuer
func (c CounterMap) Value() (driver.Value, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]int64(c))
}

// Scan implements sql.Scanner
func (c *CounterMap) Scan(src any) error {
	return scanJSON(src, (*map[string]int64)(c))
}

// Features maps a capability name to whether the tier grants it
type Features map[string]bool

// Enabled reports whether a capability is granted
func (f Features) Enabled(name string) bool {
	return f[name]
}

// Clone returns a copy
func (f Features) Clone() Features {
	if f == nil {
		return nil
	}
	out := make(Features, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Value implements driver.Valuer
func (f Features) Value() (driver.Value, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]bool(f))
}

// Scan implements sql.Scanner
func (f *Features) Scan(src any) error {
	return scanJSON(src, (*map[string]bool)(f))
}

// JSONMap is a free-form JSON object column
type JSONMap map[string]any

// Merge copies every key of other into m and returns m
func (m JSONMap) Merge(other map[string]any) JSONMap {
	if m == nil {
		m = JSONMap{}
	}
	for k, v := range other {
		m[k] = v
	}
	return m
}

// Clone returns a shallow copy. Values are treated as immutable.
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

// Value implements driver.Valuer
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any(m))
}

// Scan implements sql.Scanner
func (m *JSONMap) Scan(src any) error {
	return scanJSON(src, (*map[string]any)(m))
}

func scanJSON(src any, dst any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}
