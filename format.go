package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Format describes the payload of units: media type and its fields, for
// example "video/x-raw,format=YUY2,width=1600,height=1200". Empty format
// means any format.
type Format struct {
	Media  string
	Fields map[string]string
}

// Any format intersects with every format.
var Any = Format{}

// ParseFormat parses the format string. Fields are comma-separated
// key=value pairs, optional type annotations like "(int)" are dropped.
func ParseFormat(s string) (Format, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Any, nil
	}
	parts := strings.Split(s, ",")
	f := Format{
		Media: strings.TrimSpace(parts[0]),
	}
	if strings.Contains(f.Media, "=") {
		return Any, fmt.Errorf("format %q: missing media type", s)
	}
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			return Any, fmt.Errorf("format %q: invalid field %q", s, p)
		}
		k, v := strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])
		if strings.HasPrefix(v, "(") {
			if i := strings.Index(v, ")"); i > 0 {
				v = strings.TrimSpace(v[i+1:])
			}
		}
		if k == "" || v == "" {
			return Any, fmt.Errorf("format %q: invalid field %q", s, p)
		}
		if f.Fields == nil {
			f.Fields = make(map[string]string)
		}
		f.Fields[k] = v
	}
	return f, nil
}

// MustParseFormat is like ParseFormat, but panics if string cannot be
// parsed.
func MustParseFormat(s string) Format {
	f, err := ParseFormat(s)
	if err != nil {
		panic(err)
	}
	return f
}

// String returns canonical representation with sorted fields.
func (f Format) String() string {
	if f.IsAny() {
		return "ANY"
	}
	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(f.Media)
	for _, k := range keys {
		b.WriteString(",")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(f.Fields[k])
	}
	return b.String()
}

// IsAny returns true if format doesn't constrain anything.
func (f Format) IsAny() bool {
	return f.Media == "" && len(f.Fields) == 0
}

// Equal compares media types and fields.
func (f Format) Equal(o Format) bool {
	if f.Media != o.Media || len(f.Fields) != len(o.Fields) {
		return false
	}
	for k, v := range f.Fields {
		if ov, ok := o.Fields[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Intersect returns the format satisfying both formats. Media types must
// match if both are set and fields present in both formats must be equal.
func (f Format) Intersect(o Format) (Format, bool) {
	if f.Media != "" && o.Media != "" && f.Media != o.Media {
		return Any, false
	}
	r := Format{Media: f.Media}
	if r.Media == "" {
		r.Media = o.Media
	}
	for k, v := range f.Fields {
		if ov, ok := o.Fields[k]; ok && ov != v {
			return Any, false
		}
		r = r.With(k, v)
	}
	for k, v := range o.Fields {
		r = r.With(k, v)
	}
	return r, true
}

// Field returns field value.
func (f Format) Field(k string) (string, bool) {
	v, ok := f.Fields[k]
	return v, ok
}

// Int returns integer field value.
func (f Format) Int(k string) (int, bool) {
	v, ok := f.Fields[k]
	if !ok {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

// With returns a copy of format with the field set.
func (f Format) With(k, v string) Format {
	fields := make(map[string]string, len(f.Fields)+1)
	for fk, fv := range f.Fields {
		fields[fk] = fv
	}
	fields[k] = v
	return Format{Media: f.Media, Fields: fields}
}
