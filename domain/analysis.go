package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const unlimited = "unlimited"

// Quota is a usage counter reported by the backend. The backend sends either a number or the
// string "unlimited", and may omit the field entirely.
type Quota struct {
	N         int  // The reported count, meaningful when Unlimited is false
	Unlimited bool // The backend reported "unlimited"
	Valid     bool // The field was present in the payload
}

// LimitedQuota returns a Quota holding n.
func LimitedQuota(n int) Quota {
	return Quota{N: n, Valid: true}
}

// UnlimitedQuota returns a Quota reported as "unlimited".
func UnlimitedQuota() Quota {
	return Quota{Unlimited: true, Valid: true}
}

// String renders the quota the way the usage card shows it.
func (q Quota) String() string {
	switch {
	case !q.Valid:
		return "-"
	case q.Unlimited:
		return unlimited
	default:
		return strconv.Itoa(q.N)
	}
}

// UnmarshalJSON implements json.Unmarshaler for the number-or-"unlimited" encoding.
func (q *Quota) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if bytes.Equal(trimmed, []byte("null")) {
		*q = Quota{}
		return nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		if text == unlimited {
			*q = UnlimitedQuota()
			return nil
		}
		n, err := strconv.Atoi(text)
		if err != nil {
			return fmt.Errorf("parsing quota %q : %w", text, err)
		}
		*q = LimitedQuota(n)
		return nil
	}

	var number float64
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("parsing quota %s : %w", trimmed, err)
	}
	*q = LimitedQuota(int(number))
	return nil
}

// MarshalJSON implements json.Marshaler, mirroring the backend encoding.
func (q Quota) MarshalJSON() ([]byte, error) {
	switch {
	case !q.Valid:
		return []byte("null"), nil
	case q.Unlimited:
		return json.Marshal(unlimited)
	default:
		return json.Marshal(q.N)
	}
}

// Usage is the read-only quota summary computed by the backend.
type Usage struct {
	UserID       string `json:"user_id,omitempty"`
	Tier         string `json:"tier"`
	AnalysesUsed int    `json:"analyses_used"`
	Limit        Quota  `json:"limit"`
	Remaining    Quota  `json:"remaining"`
}

// Premium reports whether the snapshot belongs to the premium tier.
func (u *Usage) Premium() bool {
	return u != nil && u.Tier == "premium"
}

// AnalysisResult is the backend reply to a successful analyze call. Raw holds the complete
// payload so fields this package does not know about are still available for rendering.
type AnalysisResult struct {
	Analysis string
	Usage    *Usage
	Raw      map[string]any
}

// UnmarshalJSON implements json.Unmarshaler. Only the top level must be a JSON object; analysis
// and usage are picked out when they have the expected shape.
func (r *AnalysisResult) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decoding analysis result : %w", err)
	}

	var fields struct {
		Analysis json.RawMessage `json:"analysis"`
		Usage    json.RawMessage `json:"usage"`
	}
	if err := json.Unmarshal(b, &fields); err != nil {
		return fmt.Errorf("decoding analysis fields : %w", err)
	}

	result := AnalysisResult{Raw: raw}
	if len(fields.Analysis) > 0 {
		var analysis string
		if err := json.Unmarshal(fields.Analysis, &analysis); err == nil {
			result.Analysis = analysis
		}
	}
	if len(fields.Usage) > 0 && !bytes.Equal(bytes.TrimSpace(fields.Usage), []byte("null")) {
		var usage Usage
		if err := json.Unmarshal(fields.Usage, &usage); err == nil {
			result.Usage = &usage
		}
	}

	*r = result
	return nil
}

// MarshalJSON implements json.Marshaler by writing the raw payload back out.
func (r AnalysisResult) MarshalJSON() ([]byte, error) {
	if r.Raw != nil {
		return json.Marshal(r.Raw)
	}
	out := map[string]any{"analysis": r.Analysis}
	if r.Usage != nil {
		out["usage"] = r.Usage
	}
	return json.Marshal(out)
}
