package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Filter expressions are conjunctions of `field op literal` terms joined by
// " and ". The grammar matches what the networked backend evaluates
// server-side, so the local backend evaluates the same strings itself and the
// two stay interchangeable behind the VectorStore contract.

// BaseFilter anchors every expression so it is never empty.
const BaseFilter = FieldMemoryID + " > 0"

var filterFields = map[string]struct{}{
	FieldMemoryID:   {},
	FieldSessionID:  {},
	FieldPersonaID:  {},
	FieldCreateTime: {},
}

var (
	sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_:\-!]+$`)
	personaIDPattern = regexp.MustCompile(`^[\pL\pN_\- ]+$`)
)

// ValidSessionID reports whether s is safe to interpolate into a filter
// expression. Platform session ids are alphanumerics plus separator
// punctuation; anything else is rejected before it reaches a backend.
func ValidSessionID(s string) bool {
	return s != "" && len(s) <= 255 && sessionIDPattern.MatchString(s)
}

// ValidPersonaID reports whether a persona identifier is safe for filtering.
// Personas are display names, so letters in any script are allowed.
func ValidPersonaID(s string) bool {
	return s != "" && len(s) <= 256 && personaIDPattern.MatchString(s)
}

// Eq builds a `field == "value"` term. The field must be one of the known
// filterable fields and the value is escaped, never trusted.
func Eq(field, value string) (string, error) {
	if _, ok := filterFields[field]; !ok {
		return "", fmt.Errorf("field %q is not filterable", field)
	}
	return fmt.Sprintf("%s == %q", field, value), nil
}

// And joins non-empty terms into one conjunction.
func And(terms ...string) string {
	parts := make([]string, 0, len(terms))
	for _, t := range terms {
		if strings.TrimSpace(t) != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " and ")
}

// Condition is one parsed filter term.
type Condition struct {
	Field string
	Op    string
	Str   string
	Num   int64
	IsNum bool
}

// Filter is a parsed conjunction usable by in-process backends.
type Filter []Condition

var condPattern = regexp.MustCompile(`^(\w+)\s*(==|!=|>=|<=|>|<)\s*(.+)$`)

// ParseFilter parses a conjunction expression. An empty expression matches
// everything.
func ParseFilter(expr string) (Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	var filter Filter
	for _, raw := range strings.Split(expr, " and ") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		m := condPattern.FindStringSubmatch(raw)
		if m == nil {
			return nil, fmt.Errorf("unparseable filter term %q", raw)
		}
		cond := Condition{Field: m[1], Op: m[2]}
		if _, ok := filterFields[cond.Field]; !ok {
			return nil, fmt.Errorf("field %q is not filterable", cond.Field)
		}
		lit := strings.TrimSpace(m[3])
		if strings.HasPrefix(lit, `"`) {
			unquoted, err := strconv.Unquote(lit)
			if err != nil {
				return nil, fmt.Errorf("bad string literal in filter term %q: %w", raw, err)
			}
			cond.Str = unquoted
		} else {
			n, err := strconv.ParseInt(lit, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad numeric literal in filter term %q: %w", raw, err)
			}
			cond.Num = n
			cond.IsNum = true
		}
		filter = append(filter, cond)
	}
	return filter, nil
}

// Matches evaluates the conjunction against one record.
func (f Filter) Matches(rec MemoryRecord) bool {
	for _, c := range f {
		if !c.matches(rec) {
			return false
		}
	}
	return true
}

func (c Condition) matches(rec MemoryRecord) bool {
	if c.IsNum {
		var v int64
		switch c.Field {
		case FieldMemoryID:
			v = rec.MemoryID
		case FieldCreateTime:
			v = rec.CreatedAt.Unix()
		default:
			return false
		}
		switch c.Op {
		case "==":
			return v == c.Num
		case "!=":
			return v != c.Num
		case ">":
			return v > c.Num
		case ">=":
			return v >= c.Num
		case "<":
			return v < c.Num
		case "<=":
			return v <= c.Num
		}
		return false
	}
	var v string
	switch c.Field {
	case FieldSessionID:
		v = rec.SessionID
	case FieldPersonaID:
		v = rec.PersonaID
	default:
		return false
	}
	switch c.Op {
	case "==":
		return v == c.Str
	case "!=":
		return v != c.Str
	}
	return false
}
