package firestore

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	fs "google.golang.org/api/firestore/v1"

	"expensetracker/internal/docstore"
)

// toValue encodes a resolved field value. Zero values need ForceSendFields
// or the generated marshaller drops them.
func toValue(v any) (*fs.Value, error) {
	switch x := v.(type) {
	case nil:
		return &fs.Value{NullValue: "NULL_VALUE"}, nil
	case int64:
		return &fs.Value{IntegerValue: x, ForceSendFields: []string{"IntegerValue"}}, nil
	case int:
		return &fs.Value{IntegerValue: int64(x), ForceSendFields: []string{"IntegerValue"}}, nil
	case float64:
		return &fs.Value{DoubleValue: x, ForceSendFields: []string{"DoubleValue"}}, nil
	case string:
		return &fs.Value{StringValue: x, ForceSendFields: []string{"StringValue"}}, nil
	case bool:
		return &fs.Value{BooleanValue: x, ForceSendFields: []string{"BooleanValue"}}, nil
	case time.Time:
		return &fs.Value{TimestampValue: x.UTC().Format(time.RFC3339Nano)}, nil
	case *time.Time:
		if x == nil {
			return &fs.Value{NullValue: "NULL_VALUE"}, nil
		}
		return &fs.Value{TimestampValue: x.UTC().Format(time.RFC3339Nano)}, nil
	default:
		return nil, fmt.Errorf("unsupported field type %T", v)
	}
}

// buildWrite turns a Set into a Firestore write. Plain values go into the
// document body; Increment and ServerTimestamp become field transforms,
// which Firestore applies after the body. With merge the update mask lists
// only the plain fields so everything else on the document is kept.
func buildWrite(name string, fields docstore.Fields, merge bool) (*fs.Write, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := &fs.Document{Name: name, Fields: make(map[string]fs.Value)}
	var (
		mask       []string
		transforms []*fs.FieldTransform
	)
	for _, k := range keys {
		v := fields[k]
		switch s := v.(type) {
		case docstore.IncrementValue:
			transforms = append(transforms, &fs.FieldTransform{
				FieldPath: k,
				Increment: &fs.Value{IntegerValue: s.Delta, ForceSendFields: []string{"IntegerValue"}},
			})
			continue
		}
		if docstore.IsServerTimestamp(v) {
			transforms = append(transforms, &fs.FieldTransform{FieldPath: k, SetToServerValue: "REQUEST_TIME"})
			continue
		}
		val, err := toValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		doc.Fields[k] = *val
		mask = append(mask, k)
	}

	w := &fs.Write{Update: doc, UpdateTransforms: transforms}
	if merge {
		w.UpdateMask = &fs.DocumentMask{FieldPaths: mask}
	}
	return w, nil
}

// wireValue mirrors Firestore's Value JSON with pointers so that a present
// zero (0, false, "") can be told apart from an absent member.
type wireValue struct {
	NullValue      *string  `json:"nullValue,omitempty"`
	BooleanValue   *bool    `json:"booleanValue,omitempty"`
	IntegerValue   *string  `json:"integerValue,omitempty"`
	DoubleValue    *float64 `json:"doubleValue,omitempty"`
	TimestampValue *string  `json:"timestampValue,omitempty"`
	StringValue    *string  `json:"stringValue,omitempty"`
}

type wireDocument struct {
	Name       string               `json:"name"`
	Fields     map[string]wireValue `json:"fields"`
	CreateTime string               `json:"createTime"`
	UpdateTime string               `json:"updateTime"`
}

type wireRunQueryResponse struct {
	Document *wireDocument `json:"document,omitempty"`
	ReadTime string        `json:"readTime,omitempty"`
}

func fromValue(v wireValue) (any, error) {
	switch {
	case v.NullValue != nil:
		return nil, nil
	case v.BooleanValue != nil:
		return *v.BooleanValue, nil
	case v.IntegerValue != nil:
		n, err := strconv.ParseInt(*v.IntegerValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("integer value %q: %w", *v.IntegerValue, err)
		}
		return n, nil
	case v.DoubleValue != nil:
		return *v.DoubleValue, nil
	case v.TimestampValue != nil:
		t, err := time.Parse(time.RFC3339Nano, *v.TimestampValue)
		if err != nil {
			return nil, fmt.Errorf("timestamp value %q: %w", *v.TimestampValue, err)
		}
		return t.UTC(), nil
	case v.StringValue != nil:
		return *v.StringValue, nil
	default:
		// Maps, arrays, references and geo points are not used by this
		// subsystem; surface them as nil.
		return nil, nil
	}
}

// decodeDocument converts a wire document. prefix is the
// "projects/p/databases/d/documents/" part stripped from names.
func decodeDocument(w *wireDocument, prefix string) (*docstore.Document, error) {
	path := w.Name
	if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
		path = path[len(prefix):]
	}
	_, id, err := docstore.SplitDoc(path)
	if err != nil {
		return nil, err
	}
	fields := make(docstore.Fields, len(w.Fields))
	for k, v := range w.Fields {
		val, err := fromValue(v)
		if err != nil {
			return nil, fmt.Errorf("document %s field %q: %w", path, k, err)
		}
		fields[k] = val
	}
	updated, _ := time.Parse(time.RFC3339Nano, w.UpdateTime)
	return &docstore.Document{ID: id, Path: path, Fields: fields, UpdateTime: updated}, nil
}

var opNames = map[docstore.Op]string{
	docstore.OpEqual:          "EQUAL",
	docstore.OpLess:           "LESS_THAN",
	docstore.OpLessOrEqual:    "LESS_THAN_OR_EQUAL",
	docstore.OpGreater:        "GREATER_THAN",
	docstore.OpGreaterOrEqual: "GREATER_THAN_OR_EQUAL",
}

// buildQuery converts q into a structured query. The collection id is the
// last segment of q.Collection; the parent is passed separately.
func buildQuery(q docstore.Query, collectionID string) (*fs.StructuredQuery, error) {
	sq := &fs.StructuredQuery{From: []*fs.CollectionSelector{{CollectionId: collectionID}}}

	filters := make([]*fs.Filter, 0, len(q.Filters))
	for _, f := range q.Filters {
		op, ok := opNames[f.Op]
		if !ok {
			return nil, fmt.Errorf("unsupported operator %q", f.Op)
		}
		val, err := toValue(f.Value)
		if err != nil {
			return nil, fmt.Errorf("filter on %q: %w", f.Field, err)
		}
		filters = append(filters, &fs.Filter{FieldFilter: &fs.FieldFilter{
			Field: &fs.FieldReference{FieldPath: f.Field},
			Op:    op,
			Value: val,
		}})
	}
	switch len(filters) {
	case 0:
	case 1:
		sq.Where = filters[0]
	default:
		sq.Where = &fs.Filter{CompositeFilter: &fs.CompositeFilter{Op: "AND", Filters: filters}}
	}

	if q.OrderBy != "" {
		dir := "ASCENDING"
		if q.Descending {
			dir = "DESCENDING"
		}
		sq.OrderBy = []*fs.Order{{Field: &fs.FieldReference{FieldPath: q.OrderBy}, Direction: dir}}
	}
	if q.Limit > 0 {
		sq.Limit = int64(q.Limit)
	}
	return sq, nil
}
