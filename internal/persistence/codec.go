package persistence

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
)

// encodeVars serializes workflow variables using encoding/gob.
func encodeVars(vars map[string]json.RawMessage) ([]byte, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	plain := make(map[string][]byte, len(vars))
	for k, v := range vars {
		plain[k] = v
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(plain); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeVars is the inverse of encodeVars. Empty input yields an empty map.
func decodeVars(data []byte) (map[string]json.RawMessage, error) {
	vars := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return vars, nil
	}
	var plain map[string][]byte
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&plain); err != nil {
		return nil, err
	}
	for k, v := range plain {
		vars[k] = v
	}
	return vars, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
