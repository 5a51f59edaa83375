// Package walker classifies an input tree of email templates and briefs and
// dispatches every renderable HTML file to a handler, one directory level at
// a time.
package walker

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Class is the inferred content type of a subtree.
type Class int

const (
	Unknown Class = iota
	Email
	Brief
)

func (c Class) String() string {
	switch c {
	case Email:
		return "email"
	case Brief:
		return "brief"
	}
	return "unknown"
}

// SentinelFile is the template entry point inside an email subtree.
const SentinelFile = "email.html"

const (
	templatesDir = "templates"
	blankDir     = "_blank"
)

var keywords = map[string]Class{
	"email":   Email,
	"layouts": Email,
	"brief":   Brief,
}

// ClassifySegment reports the class a single directory name sets, if any.
func ClassifySegment(name string) (Class, bool) {
	c, ok := keywords[strings.ToLower(name)]
	return c, ok
}

// ClassifyPath returns inherited when it is already known, otherwise the
// class of the first keyword segment of p, scanning from the root.
func ClassifyPath(p string, inherited Class) Class {
	if inherited != Unknown {
		return inherited
	}
	for _, seg := range strings.Split(filepath.ToSlash(filepath.Clean(p)), "/") {
		if c, ok := ClassifySegment(seg); ok {
			return c
		}
	}
	return Unknown
}

// Descend returns the class of directory name inside a subtree of class
// parent. A classified subtree keeps its class.
func Descend(parent Class, name string) Class {
	if parent != Unknown {
		return parent
	}
	c, _ := ClassifySegment(name)
	return c
}

// FallbackClass scans a file path for keyword substrings, so names like
// "promo-email/v2.html" still classify. The keyword that occurs first wins.
func FallbackClass(p string) Class {
	lower := strings.ToLower(filepath.ToSlash(p))
	best, class := len(lower), Unknown
	for kw, c := range keywords {
		if i := strings.Index(lower, kw); i >= 0 && i < best {
			best, class = i, c
		}
	}
	return class
}

// Pruned reports whether the directory name inside parent is skipped with
// its whole subtree.
func Pruned(parent, name string) bool {
	return name == blankDir && filepath.Base(parent) == templatesDir
}

// IsHTML reports whether name has an HTML extension.
func IsHTML(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".html")
}

// Mode restricts which classes a run dispatches.
type Mode int

const (
	ModeAll Mode = iota
	ModeEmail
	ModeBrief
)

// ParseMode maps a CLI string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "all":
		return ModeAll, nil
	case "email":
		return ModeEmail, nil
	case "brief":
		return ModeBrief, nil
	}
	return ModeAll, fmt.Errorf("walker: unknown mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeEmail:
		return "email"
	case ModeBrief:
		return "brief"
	}
	return "all"
}

// Accepts reports whether files of class c are dispatched in this mode.
func (m Mode) Accepts(c Class) bool {
	switch m {
	case ModeEmail:
		return c == Email
	case ModeBrief:
		return c == Brief
	}
	return c != Unknown
}

// Hint is the class a mode implies for files no keyword directory
// classifies.
func (m Mode) Hint() Class {
	switch m {
	case ModeEmail:
		return Email
	case ModeBrief:
		return Brief
	}
	return Unknown
}
