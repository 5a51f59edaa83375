package prep

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Relative references a brief uses to reach the shared bundle.
const (
	SharedCSS    = "../shared/dist/main.css"
	SharedScript = "../shared/src/getbundle.js"
	SharedAssets = "../shared/assets/"
)

// Rewriter points a brief's shared references at an asset server.
type Rewriter struct {
	base string
}

// NewRewriter validates serverURL, which must be an absolute http(s) URL.
func NewRewriter(serverURL string) (*Rewriter, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("prep: server url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("prep: server url %q: want http(s)://host[:port]", serverURL)
	}
	return &Rewriter{base: strings.TrimRight(u.String(), "/")}, nil
}

// Base is the server URL references are rewritten to.
func (r *Rewriter) Base() string { return r.base }

// Rewrite applies three substitutions:
//
//	<link href*="../shared/dist/main.css">      -> <base>/dist/main.css
//	<script src*="../shared/src/getbundle.js">  -> <base>/main.js
//	"../shared/assets/" in <body> attrs and text -> <base>/assets/
func (r *Rewriter) Rewrite(src []byte) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("prep: parse brief: %w", err)
	}

	var walk func(n *html.Node, inBody bool)
	walk = func(n *html.Node, inBody bool) {
		switch n.Type {
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Link:
				r.replaceAttr(n, "href", SharedCSS, "/dist/main.css")
			case atom.Script:
				r.replaceAttr(n, "src", SharedScript, "/main.js")
			case atom.Body:
				inBody = true
			}
			if inBody {
				for i := range n.Attr {
					n.Attr[i].Val = r.assets(n.Attr[i].Val)
				}
			}
		case html.TextNode:
			if inBody {
				n.Data = r.assets(n.Data)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, inBody)
		}
	}
	walk(doc, false)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return nil, fmt.Errorf("prep: render brief: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Rewriter) replaceAttr(n *html.Node, key, needle, path string) {
	for i, a := range n.Attr {
		if a.Key == key && strings.Contains(a.Val, needle) {
			n.Attr[i].Val = r.base + path
		}
	}
}

func (r *Rewriter) assets(s string) string {
	return strings.ReplaceAll(s, SharedAssets, r.base+"/assets/")
}
