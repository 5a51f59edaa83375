// Package prep turns raw source HTML into the document the renderer loads:
// email bodies are merged into a wrapper, brief asset references are pointed
// at the asset server.
package prep

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

//go:embed wrapper.html
var defaultWrapper []byte

// slotTag is the wrapper element that receives the source body.
const slotTag = "mj-body"

// Merger injects the <body> content of a source document into a wrapper
// document. A Merger is safe for concurrent use; the wrapper is re-parsed on
// every call.
type Merger struct {
	wrapper  []byte
	sanitize *Sanitizer
}

// MergerOption configures a Merger.
type MergerOption func(*Merger)

// WithSanitizer cleans the source body before it is merged.
func WithSanitizer(s *Sanitizer) MergerOption {
	return func(m *Merger) { m.sanitize = s }
}

// NewMerger returns a Merger for wrapper. An empty wrapper selects the
// embedded default.
func NewMerger(wrapper []byte, opts ...MergerOption) (*Merger, error) {
	if len(bytes.TrimSpace(wrapper)) == 0 {
		wrapper = defaultWrapper
	}
	if _, err := html.Parse(bytes.NewReader(wrapper)); err != nil {
		return nil, fmt.Errorf("prep: parse wrapper: %w", err)
	}
	m := &Merger{wrapper: wrapper}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// LoadMerger reads the wrapper from path. An empty path selects the embedded
// default.
func LoadMerger(path string, opts ...MergerOption) (*Merger, error) {
	if path == "" {
		return NewMerger(nil, opts...)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prep: read wrapper: %w", err)
	}
	return NewMerger(data, opts...)
}

// Merge replaces the children of the wrapper's <mj-body> (or <body> when
// the wrapper has none) with the children of src's <body>.
func (m *Merger) Merge(src []byte) ([]byte, error) {
	in, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("prep: parse source: %w", err)
	}
	doc, err := html.Parse(bytes.NewReader(m.wrapper))
	if err != nil {
		return nil, fmt.Errorf("prep: parse wrapper: %w", err)
	}

	body := findElement(in, func(n *html.Node) bool { return n.DataAtom == atom.Body })
	slot := findElement(doc, func(n *html.Node) bool { return n.Data == slotTag })
	if slot == nil {
		slot = findElement(doc, func(n *html.Node) bool { return n.DataAtom == atom.Body })
	}
	if slot == nil {
		return nil, fmt.Errorf("prep: wrapper has no %s or body element", slotTag)
	}

	removeChildren(slot)
	if body != nil {
		if m.sanitize != nil {
			if err := m.sanitizeInto(body, slot); err != nil {
				return nil, err
			}
		} else {
			moveChildren(body, slot)
		}
	}

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("prep: render: %w", err)
	}
	return buf.Bytes(), nil
}

func (m *Merger) sanitizeInto(body, slot *html.Node) error {
	var raw strings.Builder
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&raw, c); err != nil {
			return fmt.Errorf("prep: render body: %w", err)
		}
	}
	clean := m.sanitize.Sanitize(raw.String())

	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(clean), ctx)
	if err != nil {
		return fmt.Errorf("prep: parse sanitized body: %w", err)
	}
	for _, n := range nodes {
		slot.AppendChild(n)
	}
	return nil
}

// findElement returns the first element, depth-first, matching fn.
func findElement(n *html.Node, fn func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && fn(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, fn); found != nil {
			return found
		}
	}
	return nil
}

func removeChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

func moveChildren(from, to *html.Node) {
	for c := from.FirstChild; c != nil; {
		next := c.NextSibling
		from.RemoveChild(c)
		to.AppendChild(c)
		c = next
	}
}
