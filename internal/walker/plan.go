package walker

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hazyhaar/thumbgen/internal/limiter"
	"github.com/hazyhaar/thumbgen/internal/render"
)

var (
	// ErrUnclassified means neither the directories nor the file path name
	// a keyword. The file is skipped.
	ErrUnclassified = errors.New("walker: cannot classify file")

	// ErrFiltered means the file's class is excluded by the run mode.
	ErrFiltered = errors.New("walker: class excluded by mode")

	// ErrPruned means the file lives under templates/_blank.
	ErrPruned = errors.New("walker: path is pruned")

	// ErrNotHTML means the file has no HTML extension.
	ErrNotHTML = errors.New("walker: not an html file")

	// ErrDuplicateOutput means an earlier job in the same run already owns
	// the output path.
	ErrDuplicateOutput = errors.New("walker: output path already claimed")

	// ErrOutsideRoot means a path escapes its root.
	ErrOutsideRoot = errors.New("walker: path escapes root")
)

// Kind selects the pre-processing a file needs.
type Kind int

const (
	// KindTemplate is the email sentinel: body merged into the wrapper.
	KindTemplate Kind = iota
	// KindDirect is any other HTML in an email subtree, rendered as-is.
	KindDirect
	// KindBrief gets asset references rewritten to the asset server.
	KindBrief
)

func (k Kind) String() string {
	switch k {
	case KindTemplate:
		return "template"
	case KindDirect:
		return "direct"
	case KindBrief:
		return "brief"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// LimiterClass maps a kind to its concurrency class.
func (k Kind) LimiterClass() limiter.Class {
	if k == KindDirect {
		return limiter.File
	}
	return limiter.Template
}

// Task is a classified file ready for pre-processing and capture.
type Task struct {
	Source     string // absolute source path
	Rel        string // source path relative to the input root
	Class      Class
	Kind       Kind
	OutputPath string
}

// Layout maps input files to output paths.
type Layout struct {
	// Root is the input tree.
	Root string
	// OutDir mirrors Root. Empty means write next to the inputs.
	OutDir string
	// Format sets the thumbnail extension.
	Format render.Format
	// Mode filters classes.
	Mode Mode
}

func (l Layout) outputName() string {
	return "thumb." + l.Format.Ext()
}

func (l Layout) outDir() string {
	if l.OutDir == "" {
		return l.Root
	}
	return l.OutDir
}

// RootClass is the class the keyword segments of l.Root set, as given.
// Directories above a relative root are not consulted. The mode hint is not
// applied here; see taskFor.
func (l Layout) RootClass() Class {
	return ClassifyPath(l.Root, Unknown)
}

// Plan classifies a single file under Root, as a full walk would.
func (l Layout) Plan(path string) (Task, error) {
	rel, err := filepath.Rel(l.Root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return Task{}, fmt.Errorf("%w: %s", ErrOutsideRoot, path)
	}

	dir, name := filepath.Split(path)
	dir = filepath.Clean(dir)

	class := l.RootClass()
	parent := filepath.Clean(l.Root)
	relDir := filepath.Dir(rel)
	if relDir != "." {
		for _, seg := range strings.Split(relDir, string(filepath.Separator)) {
			if Pruned(parent, seg) {
				return Task{}, fmt.Errorf("%w: %s", ErrPruned, path)
			}
			class = Descend(class, seg)
			parent = filepath.Join(parent, seg)
		}
	}
	return l.taskFor(dir, name, class)
}

// taskFor builds the task for file name in dir, which inherits class.
func (l Layout) taskFor(dir, name string, class Class) (Task, error) {
	src := filepath.Join(dir, name)
	if !IsHTML(name) || strings.HasPrefix(name, render.StagePrefix) {
		return Task{}, fmt.Errorf("%w: %s", ErrNotHTML, src)
	}

	rel, err := filepath.Rel(l.Root, src)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %s", ErrOutsideRoot, src)
	}

	// Keyword directories decide first, then the mode's root context, then
	// the path heuristic.
	if class == Unknown {
		class = l.Mode.Hint()
	}
	if class == Unknown {
		class = FallbackClass(rel)
	}
	if class == Unknown {
		return Task{}, fmt.Errorf("%w: %s", ErrUnclassified, rel)
	}
	if !l.Mode.Accepts(class) {
		return Task{}, fmt.Errorf("%w: %s is %s, mode %s", ErrFiltered, rel, class, l.Mode)
	}

	kind := KindDirect
	switch {
	case class == Brief:
		kind = KindBrief
	case strings.EqualFold(name, SentinelFile):
		kind = KindTemplate
	}

	mirror, err := SafeJoin(l.outDir(), filepath.Dir(rel))
	if err != nil {
		return Task{}, err
	}
	out := filepath.Join(mirror, l.outputName())
	if kind == KindTemplate {
		out = filepath.Join(mirror, "thumbnails", l.outputName())
	}

	abs, err := filepath.Abs(src)
	if err != nil {
		abs = src
	}
	return Task{Source: abs, Rel: rel, Class: class, Kind: kind, OutputPath: out}, nil
}

// SafeJoin joins rel under base and rejects results outside base.
func SafeJoin(base, rel string) (string, error) {
	base = filepath.Clean(base)
	joined := filepath.Join(base, rel)
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, rel)
	}
	return joined, nil
}
