package docstore

import "time"

// ApplySet computes the fields that result from a Set on a document whose
// current content is existing (nil when missing). Increment sentinels add to
// the existing numeric value, ServerTimestamp becomes now. With merge false
// the document is replaced.
func ApplySet(existing, update Fields, merge bool, now time.Time) Fields {
	out := make(Fields, len(existing)+len(update))
	if merge {
		for k, v := range existing {
			out[k] = v
		}
	}
	for k, v := range update {
		switch s := v.(type) {
		case IncrementValue:
			var base any = int64(0)
			if merge {
				base = numeric(existing[k])
			}
			out[k] = addNumeric(base, s.Delta)
		case serverTimestamp:
			out[k] = now.UTC()
		case int:
			out[k] = int64(s)
		case *time.Time:
			if s == nil {
				out[k] = nil
			} else {
				out[k] = s.UTC()
			}
		case time.Time:
			out[k] = s.UTC()
		default:
			out[k] = v
		}
	}
	return out
}

func numeric(v any) any {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return n
	default:
		// Firestore replaces non-numeric values with the increment operand.
		return int64(0)
	}
}

func addNumeric(base any, delta int64) any {
	switch b := base.(type) {
	case float64:
		return b + float64(delta)
	case int64:
		return b + delta
	}
	return delta
}

// Clone returns a deep-enough copy of f; values are immutable scalars.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Clone copies the document and its fields.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Fields = d.Fields.Clone()
	return &c
}
