package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Timestamp is a nullable point in time. The zero value encodes as null.
//
// Decoding accepts RFC 3339 strings, integer milliseconds since the epoch and
// MongoDB extended JSON ({"$date": ...}), which is what the backend emits for
// stored documents.
type Timestamp struct {
	time.Time
}

func At(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			t.Time = time.Time{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = parsed
		return nil
	case '{':
		var ext struct {
			Date json.RawMessage `json:"$date"`
		}
		if err := json.Unmarshal(b, &ext); err != nil {
			return err
		}
		if len(ext.Date) == 0 {
			return fmt.Errorf("timestamp object missing $date")
		}
		var long struct {
			NumberLong string `json:"$numberLong"`
		}
		if ext.Date[0] == '{' {
			if err := json.Unmarshal(ext.Date, &long); err != nil {
				return err
			}
			ms, err := strconv.ParseInt(long.NumberLong, 10, 64)
			if err != nil {
				return fmt.Errorf("timestamp $numberLong %q: %w", long.NumberLong, err)
			}
			t.Time = time.UnixMilli(ms).UTC()
			return nil
		}
		return t.UnmarshalJSON(ext.Date)
	default:
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", b, err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
}
