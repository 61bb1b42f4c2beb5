package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/nexocrm/blueprint/pkg/api"
)

func init() {
	// Output values produced by the built-in actions.
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register([]string{})
	gob.Register(api.ActionResult{})
	gob.Register(map[string]api.ActionResult{})
}

// encodeResults serializes an execution's action results using encoding/gob.
// Custom action outputs must be gob-encodable (register them with
// gob.Register).
func encodeResults(results map[string]api.ActionResult) ([]byte, error) {
	if len(results) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(results); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeResults is the inverse of encodeResults. Empty input decodes to nil.
func decodeResults(data []byte) (map[string]api.ActionResult, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var results map[string]api.ActionResult
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&results); err != nil {
		return nil, err
	}
	return results, nil
}

// encodeStrings serializes a string slice (triggered escalation ids).
func encodeStrings(values []string) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(values); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeStrings(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var values []string
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&values); err != nil {
		return nil, err
	}
	return values, nil
}
