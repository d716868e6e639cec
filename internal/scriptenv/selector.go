package scriptenv

import (
	"fmt"
	"strings"
)

// translateSelector converts the CSS subset the canonical script needs into
// an XPath expression: tag names, #id, .class, [attr], [attr=v], [attr^=v],
// [attr*=v], [attr$=v], compounds thereof, and descendant combinators.
// scoped selects relative to an element instead of the whole document.
func translateSelector(css string, scoped bool) (string, error) {
	css = strings.TrimSpace(css)
	if css == "" {
		return "", fmt.Errorf("empty selector")
	}

	axis := "//"
	if scoped {
		axis = ".//"
	}

	var xpath strings.Builder
	for i, part := range strings.Fields(css) {
		if i == 0 {
			xpath.WriteString(axis)
		} else {
			xpath.WriteString("//")
		}
		step, err := translateCompound(part)
		if err != nil {
			return "", err
		}
		xpath.WriteString(step)
	}
	return xpath.String(), nil
}

// translateCompound handles one simple-selector sequence like
// button#recaptcha-button.primary[disabled].
func translateCompound(part string) (string, error) {
	tag := "*"
	var predicates []string

	rest := part
	for len(rest) > 0 {
		switch {
		case strings.HasPrefix(rest, "#"):
			value, remain := takeToken(rest[1:])
			if value == "" {
				return "", fmt.Errorf("empty id selector in %q", part)
			}
			predicates = append(predicates, fmt.Sprintf("@id=%s", xpathString(value)))
			rest = remain

		case strings.HasPrefix(rest, "."):
			value, remain := takeToken(rest[1:])
			if value == "" {
				return "", fmt.Errorf("empty class selector in %q", part)
			}
			predicates = append(predicates, fmt.Sprintf(
				"contains(concat(' ', normalize-space(@class), ' '), %s)",
				xpathString(" "+value+" ")))
			rest = remain

		case strings.HasPrefix(rest, "["):
			end := strings.Index(rest, "]")
			if end < 0 {
				return "", fmt.Errorf("unterminated attribute selector in %q", part)
			}
			pred, err := translateAttribute(rest[1:end])
			if err != nil {
				return "", err
			}
			predicates = append(predicates, pred)
			rest = rest[end+1:]

		default:
			if tag != "*" {
				return "", fmt.Errorf("unexpected token %q in %q", rest, part)
			}
			value, remain := takeToken(rest)
			tag = strings.ToLower(value)
			rest = remain
		}
	}

	if len(predicates) == 0 {
		return tag, nil
	}
	return tag + "[" + strings.Join(predicates, " and ") + "]", nil
}

// translateAttribute handles the inside of [...]: attr, attr=v, attr^=v,
// attr*=v, attr$=v, with optionally quoted values.
func translateAttribute(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", fmt.Errorf("empty attribute selector")
	}

	op := ""
	eq := strings.IndexAny(body, "=")
	if eq < 0 {
		return fmt.Sprintf("@%s", body), nil
	}

	name := body[:eq]
	if strings.HasSuffix(name, "^") || strings.HasSuffix(name, "*") || strings.HasSuffix(name, "$") {
		op = name[len(name)-1:]
		name = name[:len(name)-1]
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("attribute selector missing a name")
	}

	value := strings.TrimSpace(body[eq+1:])
	value = strings.Trim(value, `"'`)
	quoted := xpathString(value)

	switch op {
	case "":
		return fmt.Sprintf("@%s=%s", name, quoted), nil
	case "^":
		return fmt.Sprintf("starts-with(@%s, %s)", name, quoted), nil
	case "*":
		return fmt.Sprintf("contains(@%s, %s)", name, quoted), nil
	case "$":
		return fmt.Sprintf(
			"substring(@%s, string-length(@%s) - string-length(%s) + 1) = %s",
			name, name, quoted, quoted), nil
	default:
		return "", fmt.Errorf("unsupported attribute operator %q", op)
	}
}

// takeToken splits off a selector token at the next delimiter.
func takeToken(s string) (token, rest string) {
	end := strings.IndexAny(s, ".#[")
	if end < 0 {
		return s, ""
	}
	return s[:end], s[end:]
}

// xpathString quotes a value for an XPath expression, falling back to
// concat() when it contains both quote kinds.
func xpathString(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	pieces := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			pieces = append(pieces, `"'"`)
		}
		if p != "" {
			pieces = append(pieces, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(pieces, ", ") + ")"
}
