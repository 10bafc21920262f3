// Package rewrite routes dynamic import() expressions through the mocker.
//
// Every import(expr) in a module becomes
//
//	__please_mocker__.import(() => import(expr), expr, import.meta.url)
//
// so the mocker sees the run-time specifier and the importing module's address
// and can decide whether to serve a mock or perform the original import.
package rewrite

import (
	"context"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	sitter "github.com/smacker/go-tree-sitter"
	"go.trai.ch/zerr"
)

// DefaultIdentifier is the global the rewritten code calls through.
const DefaultIdentifier = "__please_mocker__"

// DefaultExclude lists the mocker's own modules, which are never rewritten.
var DefaultExclude = []string{"/@mocker/**", "@please_js/mocker", "@please_js/mocker/**"}

// ErrParse is the message of every ParseError.
var ErrParse = zerr.New("cannot parse module")

// Diagnostic describes a module that could not be rewritten.
type Diagnostic struct {
	ModuleID string
	Message  string
	// Line and Column are 1-based; zero when unknown.
	Line   int
	Column int
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s:%d:%d: %s", d.ModuleID, d.Line, d.Column, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.ModuleID, d.Message)
}

// ParseError is returned when a module cannot be parsed. The module must then
// be used unmodified.
type ParseError struct {
	Diagnostic
}

func (e *ParseError) Error() string {
	return ErrParse.Error() + " " + e.Diagnostic.String()
}

// Result is a rewritten module.
type Result struct {
	Code string
	Map  *SourceMap
	// Rewrites is the number of import() expressions that were rewritten.
	Rewrites int
}

// InlineMap returns the code followed by its source map as a data URL comment.
func (r *Result) InlineMap() string {
	return r.Code + "\n" + r.Map.Comment() + "\n"
}

// Rewriter rewrites dynamic imports of individual modules. The zero value uses
// DefaultIdentifier and excludes nothing.
type Rewriter struct {
	// Identifier is the global the rewritten imports call through.
	Identifier string
	// Exclude holds doublestar patterns of specifiers that are left alone.
	// Only string literal specifiers can match.
	Exclude []string
	// Reporter receives a diagnostic for every module that fails to parse.
	Reporter func(Diagnostic)
	Logger   zerolog.Logger
}

// New returns a Rewriter with the default identifier and exclusions.
func New(logger zerolog.Logger) *Rewriter {
	return &Rewriter{
		Identifier: DefaultIdentifier,
		Exclude:    DefaultExclude,
		Logger:     logger,
	}
}

// Rewrite parses src with parse and rewrites every dynamic import in it. On a
// parse failure the Reporter is notified and a *ParseError returned.
func (r *Rewriter) Rewrite(ctx context.Context, src []byte, moduleID string, parse ParseFunc) (*Result, error) {
	tree, err := parse(ctx, src)
	if err != nil {
		return nil, r.fail(Diagnostic{ModuleID: moduleID, Message: err.Error()})
	}
	root := tree.RootNode()
	if root.HasError() {
		d := Diagnostic{ModuleID: moduleID, Message: "syntax error"}
		if n := firstError(root); n != nil {
			p := n.StartPoint()
			d.Line, d.Column = int(p.Row)+1, int(p.Column)+1
			if n.IsMissing() {
				d.Message = fmt.Sprintf("missing %s", n.Type())
			} else if tok := strings.TrimSpace(n.Content(src)); tok != "" {
				d.Message = fmt.Sprintf("unexpected %q", truncate(tok, 40))
			}
		}
		return nil, r.fail(d)
	}

	id := r.Identifier
	if id == "" {
		id = DefaultIdentifier
	}
	buf := NewBuffer(src)
	rewrites := 0
	var editErr error
	Walk(root, Visitor{
		OnDynamicImport: func(call, spec *sitter.Node) {
			if editErr != nil || r.excluded(spec, src) {
				return
			}
			start, end := int(call.StartByte()), int(call.EndByte())
			specStart, specEnd := int(spec.StartByte()), int(spec.EndByte())
			if src[end-1] != ')' {
				return
			}
			inner := buf.Slice(specStart, specEnd)
			if err := buf.Overwrite(start, specStart, id+".import(() => import("); err != nil {
				editErr = err
				return
			}
			if err := buf.Overwrite(end-1, end, "), "+inner+", import.meta.url)"); err != nil {
				editErr = err
				return
			}
			rewrites++
		},
	})
	if editErr != nil {
		return nil, zerr.With(editErr, "module", moduleID)
	}
	r.Logger.Debug().Str("module", moduleID).Int("rewrites", rewrites).Msg("rewrote dynamic imports")
	return &Result{
		Code:     buf.String(),
		Map:      buf.Map(moduleID),
		Rewrites: rewrites,
	}, nil
}

func (r *Rewriter) fail(d Diagnostic) error {
	r.Logger.Warn().Str("module", d.ModuleID).Int("line", d.Line).Int("column", d.Column).Msg(d.Message)
	if r.Reporter != nil {
		r.Reporter(d)
	}
	return &ParseError{Diagnostic: d}
}

// excluded reports whether a literal specifier matches an exclusion pattern.
func (r *Rewriter) excluded(spec *sitter.Node, src []byte) bool {
	if len(r.Exclude) == 0 {
		return false
	}
	lit, ok := literal(spec, src)
	if !ok {
		return false
	}
	for _, pattern := range r.Exclude {
		if match, _ := doublestar.Match(pattern, lit); match {
			return true
		}
	}
	return false
}

// literal returns the value of a string literal or a template literal without
// substitutions.
func literal(n *sitter.Node, src []byte) (string, bool) {
	switch n.Type() {
	case "string":
	case "template_string":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if n.NamedChild(i).Type() == "template_substitution" {
				return "", false
			}
		}
	default:
		return "", false
	}
	text := n.Content(src)
	if len(text) < 2 {
		return "", false
	}
	return text[1 : len(text)-1], true
}

func truncate(s string, n int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
