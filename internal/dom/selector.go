package dom

import (
	"fmt"
	"strings"
)

// compound is one simple selector: tag, classes and attribute conditions.
// Combinators are not supported; the guard only needs selector lists.
type compound struct {
	tag     string
	classes []string
	attrs   []attrCond
}

type attrCond struct {
	name     string
	value    string
	hasValue bool
}

// parseSelectorList parses "a, .b, [c], d[e=\"f\"]".
func parseSelectorList(s string) ([]compound, error) {
	parts := strings.Split(s, ",")
	out := make([]compound, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty selector in %q", s)
		}
		c, err := parseCompound(part)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func parseCompound(s string) (compound, error) {
	var c compound
	i := 0
	start := i
	for i < len(s) && isIdent(s[i]) {
		i++
	}
	if i > start {
		c.tag = strings.ToLower(s[start:i])
	} else if i < len(s) && s[i] == '*' {
		i++
	}

	for i < len(s) {
		switch s[i] {
		case '.':
			i++
			start = i
			for i < len(s) && isIdent(s[i]) {
				i++
			}
			if i == start {
				return c, fmt.Errorf("empty class in selector %q", s)
			}
			c.classes = append(c.classes, s[start:i])
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return c, fmt.Errorf("unterminated attribute in selector %q", s)
			}
			cond, err := parseAttr(s[i+1 : i+end])
			if err != nil {
				return c, fmt.Errorf("selector %q: %w", s, err)
			}
			c.attrs = append(c.attrs, cond)
			i += end + 1
		default:
			return c, fmt.Errorf("unsupported selector %q", s)
		}
	}
	return c, nil
}

func parseAttr(body string) (attrCond, error) {
	name, value, hasValue := strings.Cut(body, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return attrCond{}, fmt.Errorf("empty attribute name")
	}
	value = strings.TrimSpace(value)
	if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
		value = value[1 : len(value)-1]
	}
	return attrCond{name: strings.ToLower(name), value: value, hasValue: hasValue}, nil
}

func isIdent(b byte) bool {
	return b == '-' || b == '_' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func (c compound) matches(el *Element) bool {
	if c.tag != "" && c.tag != el.Tag {
		return false
	}
	for _, cls := range c.classes {
		if !el.HasClass(cls) {
			return false
		}
	}
	for _, a := range c.attrs {
		v, ok := el.attrs[a.name]
		if !ok || (a.hasValue && v != a.value) {
			return false
		}
	}
	return true
}

func matchesAny(list []compound, el *Element) bool {
	for _, c := range list {
		if c.matches(el) {
			return true
		}
	}
	return false
}
