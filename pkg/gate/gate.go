// Package gate implements stage 2 of the deployment pipeline: parsing
// submitted plugin source into an abstract syntax tree without ever
// executing it, and applying the import denylist, builtin denylist, and
// literal-only MANIFEST extraction checks.
//
// Grounded on the tree-sitter AST-walking pattern used for code
// indexing elsewhere in the pack (NewParser/SetLanguage/ParseCtx, then a
// node-type switch over the root), repurposed here for validation instead
// of element extraction.
package gate

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// deniedImports blocks process-control, network-socket, arbitrary-object
// deserialization, and filesystem/subprocess modules. The list applies to
// every submitted plugin: neither this package nor the deployment pipeline
// exempts built-in plugins from it.
var deniedImports = map[string]bool{
	"os":        true,
	"subprocess": true,
	"socket":    true,
	"pickle":    true,
	"marshal":   true,
	"shutil":    true,
	"ctypes":    true,
}

// deniedBuiltins blocks dynamic-evaluation builtins.
var deniedBuiltins = map[string]bool{
	"eval":     true,
	"exec":     true,
	"compile":  true,
	"__import__": true,
}

// Violation describes one denylist hit or extraction failure.
type Violation struct {
	Rule    string // "import_denylist" | "builtin_denylist" | "dynamic_manifest"
	Detail  string
	Line    int
}

// Route is the (pattern, topic, subscriptions) triple extracted from a
// plugin's MANIFEST assignment.
type Route struct {
	Pattern       string
	Topic         string
	Subscriptions []string
}

// Result is the outcome of gating one source file.
type Result struct {
	IsSafe       bool
	Violations   []Violation
	ErrorMessage string
	Route        Route
}

// Gate parses and validates Python plugin source.
type Gate struct {
	parser *sitter.Parser
}

// New returns a Gate ready to validate plugin source.
func New() *Gate {
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	return &Gate{parser: parser}
}

// Validate parses source and runs all three checks. It never executes the
// source; tree-sitter produces a syntax tree only.
func (g *Gate) Validate(ctx context.Context, source []byte) (*Result, error) {
	tree, err := g.parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parsing plugin source: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	var violations []Violation

	violations = append(violations, checkImports(root, source)...)
	violations = append(violations, checkBuiltins(root, source)...)

	route, manifestViolations := extractManifest(root, source)
	violations = append(violations, manifestViolations...)

	result := &Result{
		IsSafe:     len(violations) == 0,
		Violations: violations,
		Route:      route,
	}
	if !result.IsSafe {
		result.ErrorMessage = violations[0].Detail
	}
	return result, nil
}

func nodeText(n *sitter.Node, src []byte) string {
	return string(src[n.StartByte():n.EndByte()])
}

func checkImports(root *sitter.Node, src []byte) []Violation {
	var out []Violation
	walk(root, func(n *sitter.Node) {
		switch n.Type() {
		case "import_statement":
			for i := 0; i < int(n.NamedChildCount()); i++ {
				module := rootModuleName(nodeText(n.NamedChild(i), src))
				if deniedImports[module] {
					out = append(out, Violation{
						Rule:   "import_denylist",
						Detail: fmt.Sprintf("import of banned module %q", module),
						Line:   int(n.StartPoint().Row) + 1,
					})
				}
			}
		case "import_from_statement":
			moduleNode := n.ChildByFieldName("module_name")
			if moduleNode == nil {
				return
			}
			module := rootModuleName(nodeText(moduleNode, src))
			if deniedImports[module] {
				out = append(out, Violation{
					Rule:   "import_denylist",
					Detail: fmt.Sprintf("import from banned module %q", module),
					Line:   int(n.StartPoint().Row) + 1,
				})
			}
		}
	})
	return out
}

func rootModuleName(dotted string) string {
	dotted = strings.TrimSpace(dotted)
	if idx := strings.IndexAny(dotted, ". "); idx >= 0 {
		return dotted[:idx]
	}
	return dotted
}

func checkBuiltins(root *sitter.Node, src []byte) []Violation {
	var out []Violation
	walk(root, func(n *sitter.Node) {
		if n.Type() != "call" {
			return
		}
		fn := n.ChildByFieldName("function")
		if fn == nil || fn.Type() != "identifier" {
			return
		}
		name := nodeText(fn, src)
		if deniedBuiltins[name] {
			out = append(out, Violation{
				Rule:   "builtin_denylist",
				Detail: fmt.Sprintf("call to banned builtin %q", name),
				Line:   int(n.StartPoint().Row) + 1,
			})
		}
	})
	return out
}

// extractManifest finds a top-level `MANIFEST = SomeCall(kw=literal, ...)`
// assignment and extracts pattern/topic/subscriptions. Any non-literal
// keyword value is rejected as a dynamic manifest.
func extractManifest(root *sitter.Node, src []byte) (Route, []Violation) {
	var route Route
	var found bool

	for i := 0; i < int(root.NamedChildCount()); i++ {
		stmt := root.NamedChild(i)
		if stmt.Type() != "expression_statement" {
			continue
		}
		assign := stmt.NamedChild(0)
		if assign == nil || assign.Type() != "assignment" {
			continue
		}
		left := assign.ChildByFieldName("left")
		if left == nil || nodeText(left, src) != "MANIFEST" {
			continue
		}
		right := assign.ChildByFieldName("right")
		if right == nil || right.Type() != "call" {
			return route, []Violation{{Rule: "dynamic_manifest", Detail: "MANIFEST right-hand side is not a constructor call"}}
		}

		args := right.ChildByFieldName("arguments")
		if args == nil {
			return route, []Violation{{Rule: "dynamic_manifest", Detail: "MANIFEST call has no keyword arguments"}}
		}

		fields := map[string]any{}
		for j := 0; j < int(args.NamedChildCount()); j++ {
			arg := args.NamedChild(j)
			if arg.Type() != "keyword_argument" {
				return route, []Violation{{Rule: "dynamic_manifest", Detail: "MANIFEST call has a non-keyword argument"}}
			}
			nameNode := arg.ChildByFieldName("name")
			valueNode := arg.ChildByFieldName("value")
			if nameNode == nil || valueNode == nil {
				continue
			}
			value, ok := literalValue(valueNode, src)
			if !ok {
				return route, []Violation{{
					Rule:   "dynamic_manifest",
					Detail: fmt.Sprintf("MANIFEST field %q is not a literal", nodeText(nameNode, src)),
					Line:   int(arg.StartPoint().Row) + 1,
				}}
			}
			fields[nodeText(nameNode, src)] = value
		}

		if pattern, ok := fields["pattern"].(string); ok {
			route.Pattern = pattern
		}
		if topic, ok := fields["topic"].(string); ok {
			route.Topic = topic
		}
		if subs, ok := fields["subscriptions"].([]string); ok {
			route.Subscriptions = subs
		}
		found = true
		break
	}

	if !found {
		return route, []Violation{{Rule: "dynamic_manifest", Detail: "no top-level MANIFEST assignment found"}}
	}
	return route, nil
}

// literalValue evaluates a string literal or list-of-strings literal node
// without ever calling into a Python interpreter.
func literalValue(n *sitter.Node, src []byte) (any, bool) {
	switch n.Type() {
	case "string":
		return unquote(nodeText(n, src)), true
	case "list":
		var items []string
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			if child.Type() != "string" {
				return nil, false
			}
			items = append(items, unquote(nodeText(child, src)))
		}
		return items, true
	default:
		return nil, false
	}
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return s
}

func walk(n *sitter.Node, visit func(*sitter.Node)) {
	visit(n)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		walk(n.NamedChild(i), visit)
	}
}
