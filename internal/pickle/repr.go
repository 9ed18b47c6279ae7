package pickle

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode"
)

// Repr formats a decoded value roughly the way Python's repr() would.
// Large containers are abbreviated.
func Repr(v any) string {
	var sb strings.Builder
	repr(&sb, v, 0)
	return sb.String()
}

const reprMaxItems = 8

// QuoteString quotes s the way Python's repr() quotes a str: single quotes
// unless s holds a single quote and no double quote, backslashes doubled,
// and non-printable characters escaped.
func QuoteString(s string) string {
	quote := '\''
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}
	var sb strings.Builder
	sb.Grow(len(s) + 2)
	sb.WriteRune(quote)
	for _, r := range s {
		switch {
		case r == '\\':
			sb.WriteString(`\\`)
		case r == quote:
			sb.WriteRune('\\')
			sb.WriteRune(r)
		case r == '\t':
			sb.WriteString(`\t`)
		case r == '\n':
			sb.WriteString(`\n`)
		case r == '\r':
			sb.WriteString(`\r`)
		case unicode.IsPrint(r):
			sb.WriteRune(r)
		case r < 0x100:
			fmt.Fprintf(&sb, `\x%02x`, r)
		case r < 0x10000:
			fmt.Fprintf(&sb, `\u%04x`, r)
		default:
			fmt.Fprintf(&sb, `\U%08x`, r)
		}
	}
	sb.WriteRune(quote)
	return sb.String()
}

//nolint:gocyclo,cyclop // type switch over the value model
func repr(sb *strings.Builder, v any, depth int) {
	if depth > 4 {
		sb.WriteString("...")
		return
	}
	switch t := v.(type) {
	case nil, None:
		sb.WriteString("None")
	case bool:
		if t {
			sb.WriteString("True")
		} else {
			sb.WriteString("False")
		}
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
	case *big.Int:
		sb.WriteString(t.String())
	case float64:
		sb.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case string:
		sb.WriteString(QuoteString(t))
	case Bytes:
		fmt.Fprintf(sb, "b%q", string(t))
	case Global:
		sb.WriteString("<class '" + t.String() + "'>")
	case PersistentID:
		sb.WriteString("persistent(")
		repr(sb, t.Pid, depth+1)
		sb.WriteString(")")
	case Tuple:
		sb.WriteString("(")
		reprItems(sb, t, depth)
		if len(t) == 1 {
			sb.WriteString(",")
		}
		sb.WriteString(")")
	case *List:
		sb.WriteString("[")
		reprItems(sb, t.Items, depth)
		sb.WriteString("]")
	case *Set:
		sb.WriteString("{")
		reprItems(sb, t.Items, depth)
		sb.WriteString("}")
	case *Dict:
		reprDict(sb, t, depth)
	case *Object:
		if g, ok := t.Class(); ok {
			sb.WriteString(g.String())
		} else {
			repr(sb, t.Callable, depth+1)
		}
		if t.Items != nil && t.Items.Len() > 0 {
			sb.WriteString("(")
			reprDict(sb, t.Items, depth)
			sb.WriteString(")")
			return
		}
		sb.WriteString("(")
		reprItems(sb, t.Args, depth)
		sb.WriteString(")")
	case fmt.Stringer:
		sb.WriteString(t.String())
	default:
		fmt.Fprintf(sb, "%v", v)
	}
}

func reprItems(sb *strings.Builder, items []any, depth int) {
	for i, item := range items {
		if i == reprMaxItems {
			fmt.Fprintf(sb, ", ...%d more", len(items)-i)
			return
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		repr(sb, item, depth+1)
	}
}

func reprDict(sb *strings.Builder, d *Dict, depth int) {
	sb.WriteString("{")
	i := 0
	for k, v := range d.All() {
		if i == reprMaxItems {
			fmt.Fprintf(sb, ", ...%d more", d.Len()-i)
			break
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		repr(sb, k, depth+1)
		sb.WriteString(": ")
		repr(sb, v, depth+1)
		i++
	}
	sb.WriteString("}")
}
