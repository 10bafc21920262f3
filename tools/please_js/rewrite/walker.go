package rewrite

import (
	sitter "github.com/smacker/go-tree-sitter"
)

// Visitor receives the nodes of interest found by Walk.
type Visitor struct {
	// OnDynamicImport is called with an import() call and its specifier
	// expression.
	OnDynamicImport func(call, specifier *sitter.Node)
	// OnImportMeta is called for each import.meta expression.
	OnImportMeta func(node *sitter.Node)
}

// Walk visits root depth-first, parents before children.
func Walk(root *sitter.Node, v Visitor) {
	iter := sitter.NewIterator(root, sitter.DFSMode)
	for {
		n, err := iter.Next()
		if err != nil || n == nil {
			return
		}
		switch n.Type() {
		case "call_expression":
			if v.OnDynamicImport == nil {
				continue
			}
			if spec := dynamicImportSpecifier(n); spec != nil {
				v.OnDynamicImport(n, spec)
			}
		case "meta_property":
			if v.OnImportMeta != nil && n.ChildCount() > 0 && n.Child(0).Type() == "import" {
				v.OnImportMeta(n)
			}
		case "member_expression":
			// Older grammars parse import.meta as a member expression.
			if v.OnImportMeta != nil && n.ChildCount() > 0 && n.Child(0).Type() == "import" {
				v.OnImportMeta(n)
			}
		}
	}
}

// dynamicImportSpecifier returns the first argument of an import() call, or
// nil when n is some other call.
func dynamicImportSpecifier(n *sitter.Node) *sitter.Node {
	if n.ChildCount() < 2 || n.Child(0).Type() != "import" {
		return nil
	}
	args := n.ChildByFieldName("arguments")
	if args == nil {
		for i := 1; i < int(n.ChildCount()); i++ {
			if c := n.Child(i); c.Type() == "arguments" {
				args = c
				break
			}
		}
	}
	if args == nil {
		return nil
	}
	for i := 0; i < int(args.NamedChildCount()); i++ {
		if c := args.NamedChild(i); c.Type() != "comment" {
			return c
		}
	}
	return nil
}

// firstError returns the first syntax error or missing node below n.
func firstError(n *sitter.Node) *sitter.Node {
	iter := sitter.NewIterator(n, sitter.DFSMode)
	for {
		c, err := iter.Next()
		if err != nil || c == nil {
			return nil
		}
		if c.Type() == "ERROR" || c.IsMissing() {
			return c
		}
	}
}
