package prep

import "github.com/microcosm-cc/bluemonday"

// Sanitizer strips scripts and event handlers from email markup while
// keeping table layout, inline styles and <style> blocks.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer returns a Sanitizer built on the UGC policy, widened with the
// presentational attributes email markup relies on.
func NewSanitizer() *Sanitizer {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("style", "class", "id", "align", "valign", "width", "height",
		"bgcolor", "border", "cellpadding", "cellspacing", "role").Globally()
	p.AllowElements("style", "center", "font")
	p.AllowAttrs("color", "face", "size").OnElements("font")
	p.AllowUnsafe(true)
	return &Sanitizer{policy: p}
}

// Sanitize returns a cleaned copy of fragment.
func (s *Sanitizer) Sanitize(fragment string) string {
	return s.policy.Sanitize(fragment)
}
