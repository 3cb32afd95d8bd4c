package crypto

import (
	"crypto/sha256"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// CanonicalJSON renders v (a tree of map[string]any / []any / string /
// float64 / int / bool / nil) as deterministic JSON: object keys sorted
// lexicographically by UTF-8 bytes, no insignificant whitespace, integers
// rendered without a decimal point or exponent, strings escaped with a
// fixed escape set (spec.md §4.2.1). Both the ledger writer and the
// verifier call this same function so they can never disagree.
func CanonicalJSON(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

// CanonicalJSONHash returns the SHA-256 hash of CanonicalJSON(v), hex
// encoded. Used for pre_state_hash/post_state_hash and evidence snapshot
// content addresses.
func CanonicalJSONHash(v any) string {
	sum := sha256.Sum256([]byte(CanonicalJSON(v)))
	return fmt.Sprintf("%x", sum)
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if t {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		writeCanonicalString(b, t)
	case float64:
		writeCanonicalNumber(b, t)
	case float32:
		writeCanonicalNumber(b, float64(t))
	case int:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case []any:
		b.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case map[string]any:
		writeCanonicalMap(b, t)
	default:
		// Fallback: stringify unknown concrete types rather than panic.
		writeCanonicalString(b, fmt.Sprintf("%v", t))
	}
}

func writeCanonicalMap(b *strings.Builder, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeCanonicalString(b, k)
		b.WriteByte(':')
		writeCanonical(b, m[k])
	}
	b.WriteByte('}')
}

func writeCanonicalNumber(b *strings.Builder, f float64) {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return
	}
	b.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
}

func writeCanonicalString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}
