package webfetch

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ParseDocument parses an HTML document.
func ParseDocument(doc string) (*html.Node, error) {
	return html.Parse(strings.NewReader(doc))
}

// Walk visits n and its descendants depth-first in document order.
// Returning false from visit skips the node's children.
func Walk(n *html.Node, visit func(*html.Node) bool) {
	if n == nil {
		return
	}
	if !visit(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		Walk(c, visit)
	}
}

// FindAll returns every element below root whose tag is one of atoms, in
// document order.
func FindAll(root *html.Node, atoms ...atom.Atom) []*html.Node {
	var found []*html.Node
	Walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			for _, a := range atoms {
				if n.DataAtom == a {
					found = append(found, n)
					break
				}
			}
		}
		return true
	})
	return found
}

// FindFirst returns the first element below root with the given tag.
func FindFirst(root *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	Walk(root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode && n.DataAtom == a {
			found = n
			return false
		}
		return true
	})
	return found
}

// Attr returns the value of the named attribute, or "".
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports whether the attribute is present.
func HasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

// Text returns the whitespace-collapsed text content of n.
func Text(n *html.Node) string {
	var b strings.Builder
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Script || c.DataAtom == atom.Style) {
			return false
		}
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
			b.WriteByte(' ')
		}
		return true
	})
	return strings.Join(strings.Fields(b.String()), " ")
}

// TextLines returns the non-empty text nodes of n, trimmed, in order.
func TextLines(n *html.Node) []string {
	var lines []string
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Script || c.DataAtom == atom.Style || c.DataAtom == atom.Noscript) {
			return false
		}
		if c.Type == html.TextNode {
			if s := strings.TrimSpace(c.Data); s != "" {
				lines = append(lines, s)
			}
		}
		return true
	})
	return lines
}
