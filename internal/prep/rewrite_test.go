package prep

import (
	"strings"
	"testing"
)

const brief = `<!DOCTYPE html>
<html><head>
<link rel="stylesheet" href="../shared/dist/main.css">
<link rel="icon" href="../shared/assets/favicon.ico">
<script src="../shared/src/getbundle.js"></script>
</head>
<body>
<img src="../shared/assets/hero.png" alt="hero">
<div style="background:url(../shared/assets/bg.jpg)">See ../shared/assets/notes.txt</div>
<img src="local.png">
</body></html>`

func TestRewrite(t *testing.T) {
	r, err := NewRewriter("http://localhost:5001/")
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Rewrite([]byte(brief))
	if err != nil {
		t.Fatal(err)
	}
	got := string(out)

	for _, want := range []string{
		`href="http://localhost:5001/dist/main.css"`,
		`src="http://localhost:5001/main.js"`,
		`src="http://localhost:5001/assets/hero.png"`,
		`url(http://localhost:5001/assets/bg.jpg)`,
		`See http://localhost:5001/assets/notes.txt`,
		`src="local.png"`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %s in:\n%s", want, got)
		}
	}
	// Head assets other than the bundle are left alone.
	if !strings.Contains(got, `href="../shared/assets/favicon.ico"`) {
		t.Errorf("head asset rewritten:\n%s", got)
	}
}

func TestNewRewriter(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
		base    string
	}{
		{"http://localhost:5001", false, "http://localhost:5001"},
		{"https://cdn.example.com/brief/", false, "https://cdn.example.com/brief"},
		{"localhost:5001", true, ""},
		{"ftp://host", true, ""},
		{"http://", true, ""},
		{"", true, ""},
	}
	for _, tt := range tests {
		r, err := NewRewriter(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewRewriter(%q) err = %v", tt.in, err)
			continue
		}
		if err == nil && r.Base() != tt.base {
			t.Errorf("NewRewriter(%q).Base() = %q, want %q", tt.in, r.Base(), tt.base)
		}
	}
}
