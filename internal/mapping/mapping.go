// Package mapping resolves JSON templates against an event envelope and a
// secret bag. Templates and results are structpb values, so the resolver is
// a plain switch over the value kind.
//
// Template strings come in two forms:
//
//	"$" or "$.payload.orderId"        direct reference into the event
//	"Bearer {{secret.token}}"         literal text with interpolation
//
// A direct reference that misses any segment resolves to null. An
// interpolation marker that misses resolves to the empty string.
package mapping

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Context is what a template is resolved against
type Context struct {
	Event  *structpb.Value
	Secret *structpb.Value
}

var markerRe = regexp.MustCompile(`\{\{\s*(event|secret)((?:\.[^}\s]*)?)\s*\}\}`)

// Resolve walks tmpl and returns a new value. It never fails; tmpl is not modified.
func Resolve(tmpl *structpb.Value, c Context) *structpb.Value {
	if tmpl == nil {
		return structpb.NewNullValue()
	}
	switch k := tmpl.GetKind().(type) {
	case *structpb.Value_StringValue:
		return resolveString(k.StringValue, c)
	case *structpb.Value_StructValue:
		out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(k.StructValue.GetFields()))}
		for key, v := range k.StructValue.GetFields() {
			out.Fields[key] = Resolve(v, c)
		}
		return structpb.NewStructValue(out)
	case *structpb.Value_ListValue:
		items := k.ListValue.GetValues()
		out := &structpb.ListValue{Values: make([]*structpb.Value, len(items))}
		for i, v := range items {
			out.Values[i] = Resolve(v, c)
		}
		return structpb.NewListValue(out)
	case nil:
		return structpb.NewNullValue()
	default:
		return proto.Clone(tmpl).(*structpb.Value)
	}
}

func resolveString(s string, c Context) *structpb.Value {
	if s == "$" || strings.HasPrefix(s, "$.") {
		return clone(Lookup(c.Event, strings.TrimPrefix(s, "$")))
	}
	if !strings.Contains(s, "{{") {
		return structpb.NewStringValue(s)
	}
	return structpb.NewStringValue(Interpolate(s, c))
}

// Interpolate replaces every {{event.x}} and {{secret.x}} marker in s
func Interpolate(s string, c Context) string {
	return markerRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := markerRe.FindStringSubmatch(m)
		root := c.Event
		if sub[1] == "secret" {
			root = c.Secret
		}
		return Stringify(Lookup(root, sub[2]))
	})
}

// Lookup walks a dot path (".a.b.0" or "a.b.0") from root. Numeric segments
// index lists. It returns nil when any segment is missing.
func Lookup(root *structpb.Value, path string) *structpb.Value {
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return root
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		if cur == nil {
			return nil
		}
		switch k := cur.GetKind().(type) {
		case *structpb.Value_StructValue:
			next, ok := k.StructValue.GetFields()[seg]
			if !ok {
				return nil
			}
			cur = next
		case *structpb.Value_ListValue:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(k.ListValue.GetValues()) {
				return nil
			}
			cur = k.ListValue.GetValues()[i]
		default:
			return nil
		}
	}
	return cur
}

// Stringify renders a value the way it appears inside interpolated text
func Stringify(v *structpb.Value) string {
	if v == nil {
		return ""
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return k.StringValue
	case *structpb.Value_NumberValue:
		return formatNumber(k.NumberValue)
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(k.BoolValue)
	case *structpb.Value_StructValue, *structpb.Value_ListValue:
		b, err := ToJSON(v)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return ""
	}
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Headers resolves a header template and flattens it to string values.
// A template that is not an object yields no headers.
func Headers(tmpl *structpb.Value, c Context) map[string]string {
	out := make(map[string]string)
	resolved := Resolve(tmpl, c).GetStructValue()
	for k, v := range resolved.GetFields() {
		out[k] = Stringify(v)
	}
	return out
}

// FromJSON parses raw JSON into a value
func FromJSON(b []byte) (*structpb.Value, error) {
	v := &structpb.Value{}
	if err := protojson.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}

// FromAny converts a Go value. Anything structpb.NewValue rejects (typed
// maps, structs) goes through a JSON round trip.
func FromAny(x any) (*structpb.Value, error) {
	if v, err := structpb.NewValue(x); err == nil {
		return v, nil
	}
	b, err := json.Marshal(x)
	if err != nil {
		return nil, err
	}
	return FromJSON(b)
}

// ToJSON renders compact JSON with sorted keys.
func ToJSON(v *structpb.Value) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v.AsInterface())
}

func clone(v *structpb.Value) *structpb.Value {
	if v == nil {
		return structpb.NewNullValue()
	}
	return proto.Clone(v).(*structpb.Value)
}
