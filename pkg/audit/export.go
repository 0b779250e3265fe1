package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// exportNDJSON encodes entries as newline-delimited JSON
func exportNDJSON(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)

	for _, e := range entries {
		if err := encoder.Encode(e); err != nil {
			return nil, fmt.Errorf("failed to encode entry %d: %w", e.ID, err)
		}
	}
	return buf.Bytes(), nil
}
