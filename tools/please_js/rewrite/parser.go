package rewrite

import (
	"context"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// ParseFunc parses source text into a syntax tree.
type ParseFunc func(ctx context.Context, src []byte) (*sitter.Tree, error)

// TreeSitter returns a ParseFunc for the given grammar. A parser is created
// per call since tree-sitter parsers must not be shared between goroutines.
func TreeSitter(lang *sitter.Language) ParseFunc {
	return func(ctx context.Context, src []byte) (*sitter.Tree, error) {
		parser := sitter.NewParser()
		parser.SetLanguage(lang)
		return parser.ParseCtx(ctx, nil, src)
	}
}

var (
	JavaScript = TreeSitter(javascript.GetLanguage())
	TypeScript = TreeSitter(typescript.GetLanguage())
	TSX        = TreeSitter(tsx.GetLanguage())
)

// ParserFor returns the parser for a module path, chosen by extension.
func ParserFor(path string) (ParseFunc, bool) {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	switch filepath.Ext(path) {
	case ".js", ".mjs", ".cjs", ".jsx":
		return JavaScript, true
	case ".ts", ".mts", ".cts":
		return TypeScript, true
	case ".tsx":
		return TSX, true
	}
	return nil, false
}
