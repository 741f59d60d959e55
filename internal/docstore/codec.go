package docstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// encodedValue is the tagged JSON form of a field value. Plain JSON loses the
// distinction between integers, floats and timestamps.
type encodedValue struct {
	Int   *int64     `json:"i,omitempty"`
	Float *float64   `json:"f,omitempty"`
	Str   *string    `json:"s,omitempty"`
	Bool  *bool      `json:"b,omitempty"`
	Time  *time.Time `json:"t,omitempty"`
	Null  bool       `json:"n,omitempty"`
}

// MarshalFields encodes resolved fields (no sentinels) as tagged JSON.
func MarshalFields(f Fields) ([]byte, error) {
	enc := make(map[string]encodedValue, len(f))
	for k, v := range f {
		var ev encodedValue
		switch x := v.(type) {
		case nil:
			ev.Null = true
		case int64:
			ev.Int = &x
		case int:
			i := int64(x)
			ev.Int = &i
		case float64:
			ev.Float = &x
		case string:
			ev.Str = &x
		case bool:
			ev.Bool = &x
		case time.Time:
			t := x.UTC()
			ev.Time = &t
		default:
			return nil, fmt.Errorf("marshal field %q: unsupported type %T", k, v)
		}
		enc[k] = ev
	}
	return json.Marshal(enc)
}

// UnmarshalFields decodes tagged JSON produced by MarshalFields.
func UnmarshalFields(data []byte) (Fields, error) {
	var enc map[string]encodedValue
	if err := json.Unmarshal(data, &enc); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	out := make(Fields, len(enc))
	for k, ev := range enc {
		switch {
		case ev.Int != nil:
			out[k] = *ev.Int
		case ev.Float != nil:
			out[k] = *ev.Float
		case ev.Str != nil:
			out[k] = *ev.Str
		case ev.Bool != nil:
			out[k] = *ev.Bool
		case ev.Time != nil:
			out[k] = *ev.Time
		default:
			out[k] = nil
		}
	}
	return out, nil
}
