// Package fieldpath extracts numeric values from decoded JSON payloads using
// a small dotted-path language with bracket selectors:
//
//	rates.DOP                          object keys
//	results[0].valor_compra            array index (negative counts from end)
//	monedas.moneda[descripcion=USD].compra   key=value predicate over objects
//
// Lookups are total: a missing key, out-of-range index, or unmatched
// predicate yields no value rather than an error.
package fieldpath

import (
	"fmt"
	"strconv"
	"strings"
)

type segmentKind int

const (
	kindKey segmentKind = iota
	kindIndex
	kindPredicate
)

type segment struct {
	kind  segmentKind
	key   string // kindKey, predicate field for kindPredicate, raw token for kindIndex
	index int    // kindIndex
	value string // kindPredicate
}

// Path is a parsed extraction path.
type Path struct {
	raw      string
	segments []segment
}

// Parse compiles a dotted path expression. An empty expression is invalid.
func Parse(expr string) (Path, error) {
	if strings.TrimSpace(expr) == "" {
		return Path{}, fmt.Errorf("fieldpath: empty expression")
	}

	var segments []segment
	for _, part := range strings.Split(expr, ".") {
		key, selector, hasSelector, err := splitSelector(part)
		if err != nil {
			return Path{}, fmt.Errorf("fieldpath: %q: %w", expr, err)
		}
		if key != "" {
			segments = append(segments, keyOrIndex(key))
		}
		if hasSelector {
			seg, err := parseSelector(selector)
			if err != nil {
				return Path{}, fmt.Errorf("fieldpath: %q: %w", expr, err)
			}
			segments = append(segments, seg)
		}
	}
	if len(segments) == 0 {
		return Path{}, fmt.Errorf("fieldpath: %q has no segments", expr)
	}
	return Path{raw: expr, segments: segments}, nil
}

// MustParse is Parse for statically known expressions.
func MustParse(expr string) Path {
	p, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original expression.
func (p Path) String() string { return p.raw }

// Lookup walks the decoded payload and returns the raw value at the path.
func (p Path) Lookup(data any) (any, bool) {
	current := data
	for _, seg := range p.segments {
		if current == nil {
			return nil, false
		}
		var ok bool
		current, ok = seg.apply(current)
		if !ok {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// Float resolves the path to a float64. String leaves are parsed numerically;
// any other type, or no value at the path, reports false.
func (p Path) Float(data any) (float64, bool) {
	value, ok := p.Lookup(data)
	if !ok {
		return 0, false
	}
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func (s segment) apply(current any) (any, bool) {
	switch s.kind {
	case kindKey:
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok := obj[s.key]
		return value, ok
	case kindIndex:
		list, ok := current.([]any)
		if !ok {
			// Objects may legitimately use numeric string keys.
			if obj, isObj := current.(map[string]any); isObj {
				value, found := obj[s.key]
				return value, found
			}
			return nil, false
		}
		idx := s.index
		if idx < 0 {
			idx += len(list)
		}
		if idx < 0 || idx >= len(list) {
			return nil, false
		}
		return list[idx], true
	case kindPredicate:
		list, ok := current.([]any)
		if !ok {
			// A predicate over an object degrades to a key lookup, matching
			// payloads that wrap the array away under the same name.
			if obj, isObj := current.(map[string]any); isObj {
				value, found := obj[s.key+"="+s.value]
				return value, found
			}
			return nil, false
		}
		for _, item := range list {
			obj, isObj := item.(map[string]any)
			if !isObj {
				continue
			}
			if fieldEquals(obj[s.key], s.value) {
				return item, true
			}
		}
		return nil, false
	}
	return nil, false
}

func fieldEquals(field any, want string) bool {
	switch v := field.(type) {
	case nil:
		return false
	case string:
		return v == want
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64) == want
	case bool:
		return strconv.FormatBool(v) == want
	default:
		return fmt.Sprintf("%v", v) == want
	}
}

func keyOrIndex(token string) segment {
	if idx, err := strconv.Atoi(token); err == nil {
		return segment{kind: kindIndex, index: idx, key: token}
	}
	return segment{kind: kindKey, key: token}
}

func parseSelector(selector string) (segment, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return segment{}, fmt.Errorf("empty selector")
	}
	if idx, err := strconv.Atoi(selector); err == nil {
		return segment{kind: kindIndex, index: idx, key: selector}, nil
	}
	key, value, found := strings.Cut(selector, "=")
	if !found {
		return segment{kind: kindKey, key: selector}, nil
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" {
		return segment{}, fmt.Errorf("selector %q has no field name", selector)
	}
	return segment{kind: kindPredicate, key: key, value: value}, nil
}

func splitSelector(part string) (key, selector string, hasSelector bool, err error) {
	open := strings.IndexByte(part, '[')
	if open < 0 {
		if strings.IndexByte(part, ']') >= 0 {
			return "", "", false, fmt.Errorf("unmatched ']' in %q", part)
		}
		return part, "", false, nil
	}
	if !strings.HasSuffix(part, "]") {
		return "", "", false, fmt.Errorf("unterminated selector in %q", part)
	}
	return part[:open], part[open+1 : len(part)-1], true, nil
}
