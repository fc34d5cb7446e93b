package processor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// toFloat accepts a JSON number or a JSON string holding a number.
func toFloat(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("%w: %s", ErrMalformedValue, raw)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrMalformedValue, s)
		}
		return f, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil || len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: %s is not numeric", ErrMalformedValue, raw)
	}
	return f, nil
}

// toText keeps a value verbatim: strings are unquoted, anything else keeps its
// JSON text so numeric ids are not reformatted.
func toText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	if bytes.Equal(raw, []byte("null")) {
		return ""
	}
	return string(raw)
}
