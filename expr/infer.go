package expr

import "sort"

// contextNamespaces are the qualified names an evaluation environment
// provides next to the bare field shortcuts. A namespace identifier
// immediately followed by '.' addresses the environment, not a field.
var contextNamespaces = map[string]struct{}{
	"fields":        {},
	"record":        {},
	"errors":        {},
	"defaultValues": {},
	"touchedFields": {},
	"dirtyFields":   {},
	"props":         {},
}

// reservedWords never name fields even when they appear bare.
var reservedWords = map[string]struct{}{
	"true":      {},
	"false":     {},
	"null":      {},
	"undefined": {},
	"typeof":    {},
	"in":        {},
	"new":       {},
	"this":      {},
}

// FieldRefs extracts the field identifiers an expression reads, in first
// appearance order. The scan is lexical, not syntactic: it works on any
// source, including ones that fail to parse. Property names after '.',
// identifiers inside string literals, reserved words and namespace
// prefixes followed by '.' are not field references.
func FieldRefs(source string) []string {
	var refs []string
	seen := make(map[string]struct{})
	for i := 0; i < len(source); {
		ch := source[i]
		if ch == '\'' || ch == '"' {
			i = skipString(source, i)
			continue
		}
		if !isIdentStart(ch) {
			i++
			continue
		}
		start := i
		for i < len(source) && isIdentPart(source[i]) {
			i++
		}
		if start > 0 && (source[start-1] == '.' || isDigit(source[start-1])) {
			continue
		}
		name := source[start:i]
		if _, ok := reservedWords[name]; ok {
			continue
		}
		if _, ok := contextNamespaces[name]; ok {
			if i < len(source) && source[i] == '.' {
				continue
			}
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		refs = append(refs, name)
	}
	return refs
}

// DescriptorFieldRefs walks a value descriptor and unions the field
// references of every expression string inside it. Callbacks are opaque
// and contribute nothing; their dependencies must be declared explicitly.
// Map entries are visited in key order so the result is deterministic.
func DescriptorFieldRefs(descriptor interface{}) []string {
	var refs []string
	seen := make(map[string]struct{})
	collectRefs(descriptor, seen, &refs)
	return refs
}

func collectRefs(descriptor interface{}, seen map[string]struct{}, refs *[]string) {
	switch v := descriptor.(type) {
	case string:
		for _, name := range FieldRefs(v) {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			*refs = append(*refs, name)
		}
	case []interface{}:
		for _, element := range v {
			collectRefs(element, seen, refs)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			collectRefs(v[key], seen, refs)
		}
	}
}

// skipString advances past a quoted literal starting at i, honoring
// backslash escapes. Unterminated literals consume the rest of the source,
// which matches how a truncated expression reads to a human.
func skipString(source string, i int) int {
	quote := source[i]
	i++
	for i < len(source) {
		switch source[i] {
		case '\\':
			i += 2
		case quote:
			return i + 1
		default:
			i++
		}
	}
	return i
}
