package issuer

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// DefaultExpiry is applied when the upstream omits or garbles expires_at.
const DefaultExpiry = time.Minute

// realtimeURLKeys lists signaling URL aliases in priority order.
var realtimeURLKeys = []string{"webrtc_url", "realtime_url", "url"}

var expiryLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
}

// secretStrategy extracts the credential from one known response shape.
type secretStrategy struct {
	name    string
	extract func(raw json.RawMessage) (string, bool)
}

var secretStrategies = []secretStrategy{
	{name: "string", extract: func(raw json.RawMessage) (string, bool) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}},
	{name: "object.value", extract: func(raw json.RawMessage) (string, bool) {
		var obj struct {
			Value *string `json:"value"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil || obj.Value == nil {
			return "", false
		}
		return *obj.Value, true
	}},
}

type parsedResponse struct {
	Secret      string
	ExpiresAt   time.Time
	RealtimeURL string
}

func parseSessionResponse(body []byte, now time.Time) (parsedResponse, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return parsedResponse{}, fmt.Errorf("%w: decode body: %v", ErrMalformedResponse, err)
	}

	rawSecret, ok := fields["client_secret"]
	if !ok || isJSONNull(rawSecret) {
		return parsedResponse{}, fmt.Errorf("%w: missing client_secret", ErrMalformedResponse)
	}
	secret, ok := extractSecret(rawSecret)
	if !ok {
		return parsedResponse{}, fmt.Errorf("%w: client_secret has an unexpected shape", ErrMalformedResponse)
	}
	if strings.TrimSpace(secret) == "" {
		return parsedResponse{}, fmt.Errorf("%w: client_secret is empty", ErrMalformedResponse)
	}

	return parsedResponse{
		Secret:      secret,
		ExpiresAt:   extractExpiry(fields, rawSecret, now),
		RealtimeURL: extractRealtimeURL(fields),
	}, nil
}

func extractSecret(raw json.RawMessage) (string, bool) {
	for _, strategy := range secretStrategies {
		if s, ok := strategy.extract(raw); ok {
			return s, true
		}
	}
	return "", false
}

// extractExpiry prefers the top-level expires_at, then the one nested in an
// object-shaped client_secret.
func extractExpiry(fields map[string]json.RawMessage, rawSecret json.RawMessage, now time.Time) time.Time {
	if raw, ok := fields["expires_at"]; ok {
		if t, ok := parseExpiry(raw); ok {
			return t
		}
		return now.Add(DefaultExpiry)
	}

	var nested struct {
		ExpiresAt json.RawMessage `json:"expires_at"`
	}
	if err := json.Unmarshal(rawSecret, &nested); err == nil && len(nested.ExpiresAt) > 0 {
		if t, ok := parseExpiry(nested.ExpiresAt); ok {
			return t
		}
	}
	return now.Add(DefaultExpiry)
}

func parseExpiry(raw json.RawMessage) (time.Time, bool) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if secs, err := n.Int64(); err == nil {
			return time.Unix(secs, 0).UTC(), true
		}
		if f, err := n.Float64(); err == nil && f >= math.MinInt64 && f < math.MaxInt64 {
			return time.Unix(int64(f), 0).UTC(), true
		}
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func extractRealtimeURL(fields map[string]json.RawMessage) string {
	for _, key := range realtimeURLKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func isJSONNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}
