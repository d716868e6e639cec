// Package dom provides the document primitives the activator works on:
// parsing, document-order queries, and attribute/class mutation over
// x/net/html node trees.
package dom

import (
	"fmt"
	"io"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Parse reads and parses an HTML document.
func Parse(r io.Reader) (*html.Node, error) {
	doc, err := htmlquery.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML document: %w", err)
	}
	return doc, nil
}

// ParseString parses an HTML document held in memory.
func ParseString(s string) (*html.Node, error) {
	return Parse(strings.NewReader(s))
}

// Render serializes the document back to HTML.
func Render(doc *html.Node) (string, error) {
	var sb strings.Builder
	if err := html.Render(&sb, doc); err != nil {
		return "", fmt.Errorf("failed to render document: %w", err)
	}
	return sb.String(), nil
}

// QueryAll returns every node matching the XPath expression in document
// order. An invalid expression is an error; no matches is an empty slice.
func QueryAll(root *html.Node, expr string) ([]*html.Node, error) {
	nodes, err := htmlquery.QueryAll(root, expr)
	if err != nil {
		return nil, fmt.Errorf("invalid query %q: %w", expr, err)
	}
	return nodes, nil
}

// QueryOne returns the first node matching the XPath expression, or nil.
func QueryOne(root *html.Node, expr string) (*html.Node, error) {
	node, err := htmlquery.Query(root, expr)
	if err != nil {
		return nil, fmt.Errorf("invalid query %q: %w", expr, err)
	}
	return node, nil
}

// ElementByID returns the first element carrying the exact id, or nil.
func ElementByID(root *html.Node, id string) *html.Node {
	return htmlquery.FindOne(root, fmt.Sprintf("//*[@id=%s]", XPathLiteral(id)))
}

// ID returns the element's id attribute, empty when absent.
func ID(n *html.Node) string {
	val, _ := Attr(n, "id")
	return val
}

// Attr returns an attribute value and whether the attribute exists.
func Attr(n *html.Node, key string) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}

// HasAttr reports whether the attribute is present, regardless of value.
func HasAttr(n *html.Node, key string) bool {
	_, ok := Attr(n, key)
	return ok
}

// SetAttr sets or adds an attribute.
func SetAttr(n *html.Node, key, val string) {
	for i, attr := range n.Attr {
		if attr.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes an attribute if present.
func RemoveAttr(n *html.Node, key string) {
	for i, attr := range n.Attr {
		if attr.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// Classes returns the element's class list in source order.
func Classes(n *html.Node) []string {
	val, _ := Attr(n, "class")
	return strings.Fields(val)
}

// HasClass reports whether the element carries the class.
func HasClass(n *html.Node, class string) bool {
	for _, c := range Classes(n) {
		if c == class {
			return true
		}
	}
	return false
}

// AddClass appends a class unless already present.
func AddClass(n *html.Node, class string) {
	if class == "" || HasClass(n, class) {
		return
	}
	existing, _ := Attr(n, "class")
	if existing == "" {
		SetAttr(n, "class", class)
		return
	}
	SetAttr(n, "class", existing+" "+class)
}

// RemoveClass drops a class, leaving the rest of the list intact.
func RemoveClass(n *html.Node, class string) {
	classes := Classes(n)
	kept := classes[:0]
	for _, c := range classes {
		if c != class {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		RemoveAttr(n, "class")
		return
	}
	SetAttr(n, "class", strings.Join(kept, " "))
}

// SwapClass removes old and adds new in one step.
func SwapClass(n *html.Node, old, new string) {
	RemoveClass(n, old)
	AddClass(n, new)
}

// Detach unlinks the node from its parent. Detaching the root is a no-op.
func Detach(n *html.Node) {
	if n.Parent == nil {
		return
	}
	n.Parent.RemoveChild(n)
}

// XPathLiteral quotes a string for embedding in an XPath expression.
// Values containing both quote kinds fall back to concat().
func XPathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
