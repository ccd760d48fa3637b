package domain

import (
	"bytes"
	"encoding/json"
)

// ErrorEnvelope is the loosely typed error body returned by the backend on a non-success status.
type ErrorEnvelope struct {
	Detail *ErrorDetail `json:"detail"`
}

// ErrorDetail is the "detail" member of an ErrorEnvelope. The backend sends either a plain string
// or an object with "message" and/or "error" members; each shape lands in its own field.
type ErrorDetail struct {
	Text    string // Set when detail was a JSON string
	Message string // detail.message when it is a string
	Error   string // detail.error when it is a string
}

// UnmarshalJSON implements json.Unmarshaler. Shapes other than a string or an object decode to an
// empty detail instead of failing, so one odd field does not hide the rest of the reply.
func (d *ErrorDetail) UnmarshalJSON(b []byte) error {
	*d = ErrorDetail{}
	trimmed := bytes.TrimSpace(b)

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		d.Text = text
		return nil
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &object); err != nil {
		return nil
	}
	d.Message = stringMember(object, "message")
	d.Error = stringMember(object, "error")
	return nil
}

func stringMember(object map[string]json.RawMessage, key string) string {
	raw, ok := object[key]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

// ErrorResponse is the fixed body the gateway writes when the backend cannot be reached.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
