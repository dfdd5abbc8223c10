package vector

import (
	qpb "github.com/qdrant/go-client/qdrant"

	"github.com/dshills/openiti-search/pkg/types"
)

// Payload is stored with each point. It carries every field the shared
// filter predicate can test, so vector-only searches filter like lexical ones.
type Payload struct {
	ChunkID      string
	WorkID       string
	VersionID    string
	AuthorID     string
	Lang         string
	IsPri        bool
	ChunkIndex   int
	Period       string
	Region       []string
	Tags         []string
	VersionLabel string
}

// Point is one chunk vector ready for upsert.
type Point struct {
	ChunkID string
	Vector  []float32
	Payload Payload
}

func (p Payload) values() map[string]*qpb.Value {
	v := map[string]*qpb.Value{
		"chunk_id":    stringValue(p.ChunkID),
		"work_id":     stringValue(p.WorkID),
		"version_id":  stringValue(p.VersionID),
		"author_id":   stringValue(p.AuthorID),
		"lang":        stringValue(p.Lang),
		"is_pri":      {Kind: &qpb.Value_BoolValue{BoolValue: p.IsPri}},
		"chunk_index": {Kind: &qpb.Value_IntegerValue{IntegerValue: int64(p.ChunkIndex)}},
		"region":      listValue(p.Region),
		"tags":        listValue(p.Tags),
	}
	if p.Period != "" {
		v["period"] = stringValue(p.Period)
	}
	if p.VersionLabel != "" {
		v["version_label"] = stringValue(p.VersionLabel)
	}
	return v
}

func stringValue(s string) *qpb.Value {
	return &qpb.Value{Kind: &qpb.Value_StringValue{StringValue: s}}
}

func listValue(items []string) *qpb.Value {
	values := make([]*qpb.Value, 0, len(items))
	for _, s := range items {
		values = append(values, stringValue(s))
	}
	return &qpb.Value{Kind: &qpb.Value_ListValue{ListValue: &qpb.ListValue{Values: values}}}
}

// sourceFromValues converts a stored payload to plain Go values.
func sourceFromValues(values map[string]*qpb.Value) types.Source {
	src := make(types.Source, len(values))
	for k, v := range values {
		src[k] = plainValue(v)
	}
	return src
}

func plainValue(v *qpb.Value) interface{} {
	switch kind := v.GetKind().(type) {
	case *qpb.Value_StringValue:
		return kind.StringValue
	case *qpb.Value_IntegerValue:
		return kind.IntegerValue
	case *qpb.Value_DoubleValue:
		return kind.DoubleValue
	case *qpb.Value_BoolValue:
		return kind.BoolValue
	case *qpb.Value_ListValue:
		items := make([]interface{}, 0, len(kind.ListValue.GetValues()))
		for _, item := range kind.ListValue.GetValues() {
			items = append(items, plainValue(item))
		}
		return items
	case *qpb.Value_StructValue:
		out := make(map[string]interface{}, len(kind.StructValue.GetFields()))
		for k, item := range kind.StructValue.GetFields() {
			out[k] = plainValue(item)
		}
		return out
	}
	return nil
}

// BuildFilter renders the shared filter predicate as a Qdrant filter.
// It returns nil when f has no constraint.
func BuildFilter(f types.Filters) *qpb.Filter {
	var must []*qpb.Condition
	if f.PrimaryOnly {
		must = append(must, fieldCondition("is_pri", &qpb.Match{MatchValue: &qpb.Match_Boolean{Boolean: true}}))
	}
	keywords := []struct {
		key    string
		values []string
	}{
		{"lang", f.Langs},
		{"period", f.Periods},
		{"region", f.Regions},
		{"tags", f.Tags},
		{"version_label", f.VersionLabels},
	}
	for _, kw := range keywords {
		if len(kw.values) == 0 {
			continue
		}
		must = append(must, fieldCondition(kw.key, &qpb.Match{
			MatchValue: &qpb.Match_Keywords{Keywords: &qpb.RepeatedStrings{Strings: kw.values}},
		}))
	}
	if len(must) == 0 {
		return nil
	}
	return &qpb.Filter{Must: must}
}

func fieldCondition(key string, match *qpb.Match) *qpb.Condition {
	return &qpb.Condition{
		ConditionOneOf: &qpb.Condition_Field{
			Field: &qpb.FieldCondition{Key: key, Match: match},
		},
	}
}
