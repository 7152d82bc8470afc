//go:build cgo

package indexer

import (
	"context"
	"fmt"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"codecompass/internal/vectorstore"
)

// TreeSitterAvailable reports whether declaration parsing is compiled in.
const TreeSitterAvailable = true

func sitterLanguage(lang Language) (*sitter.Language, error) {
	switch lang {
	case LangGo:
		return golang.GetLanguage(), nil
	case LangJavaScript:
		return javascript.GetLanguage(), nil
	case LangTypeScript:
		return typescript.GetLanguage(), nil
	case LangTSX:
		return tsx.GetLanguage(), nil
	case LangPython:
		return python.GetLanguage(), nil
	default:
		return nil, fmt.Errorf("unsupported language: %q", lang)
	}
}

func functionNodeTypes(lang Language) []string {
	switch lang {
	case LangGo:
		return []string{"function_declaration", "method_declaration"}
	case LangJavaScript, LangTypeScript, LangTSX:
		return []string{"function_declaration", "generator_function_declaration"}
	case LangPython:
		return []string{"function_definition"}
	default:
		return nil
	}
}

func classNodeTypes(lang Language) []string {
	switch lang {
	case LangGo:
		return []string{"type_declaration"}
	case LangJavaScript:
		return []string{"class_declaration"}
	case LangTypeScript, LangTSX:
		return []string{"class_declaration", "abstract_class_declaration", "interface_declaration", "type_alias_declaration", "enum_declaration"}
	case LangPython:
		return []string{"class_definition"}
	default:
		return nil
	}
}

// parseDeclarations returns the outermost functions and classes of source in
// file order. Nested declarations stay inside their parent's content.
func parseDeclarations(ctx context.Context, lang Language, source []byte) ([]declaration, error) {
	tsLang, err := sitterLanguage(lang)
	if err != nil {
		return nil, err
	}

	parser := sitter.NewParser()
	parser.SetLanguage(tsLang)
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	functions := functionNodeTypes(lang)
	classes := classNodeTypes(lang)

	var decls []declaration
	var walk func(*sitter.Node)
	walk = func(node *sitter.Node) {
		if node == nil {
			return
		}

		target, outer := node, node
		if node.Type() == "decorated_definition" {
			if def := node.ChildByFieldName("definition"); def != nil {
				target = def
			}
		}

		switch {
		case contains(functions, target.Type()):
			decls = append(decls, newDeclaration(outer, functionName(target, source, lang), vectorstore.KindFunction, source))
			return
		case contains(classes, target.Type()):
			decls = append(decls, newDeclaration(outer, className(target, source, lang), vectorstore.KindClass, source))
			return
		case target.Type() == "variable_declarator" && isFunctionValue(target.ChildByFieldName("value")):
			outer = target
			if parent := target.Parent(); parent != nil && parent.NamedChildCount() == 1 {
				outer = parent
			}
			decls = append(decls, newDeclaration(outer, nodeText(target.ChildByFieldName("name"), source), vectorstore.KindFunction, source))
			return
		}

		for i := uint32(0); i < node.ChildCount(); i++ {
			walk(node.Child(int(i)))
		}
	}
	walk(tree.RootNode())

	return decls, nil
}

func newDeclaration(node *sitter.Node, name string, kind vectorstore.Kind, source []byte) declaration {
	return declaration{
		Name:      name,
		Kind:      kind,
		StartLine: int(node.StartPoint().Row) + 1,
		EndLine:   int(node.EndPoint().Row) + 1,
		Content:   string(source[node.StartByte():node.EndByte()]),
	}
}

func isFunctionValue(n *sitter.Node) bool {
	if n == nil {
		return false
	}
	switch n.Type() {
	case "arrow_function", "function", "function_expression", "generator_function":
		return true
	}
	return false
}

func functionName(node *sitter.Node, source []byte, lang Language) string {
	name := nodeText(node.ChildByFieldName("name"), source)
	if lang == LangGo && node.Type() == "method_declaration" {
		if recv := firstOfType(node.ChildByFieldName("receiver"), "type_identifier"); recv != nil {
			return nodeText(recv, source) + "." + name
		}
	}
	return name
}

func className(node *sitter.Node, source []byte, lang Language) string {
	if lang == LangGo {
		// type_declaration holds one or more type_spec children.
		for i := uint32(0); i < node.NamedChildCount(); i++ {
			child := node.NamedChild(int(i))
			if child != nil && (child.Type() == "type_spec" || child.Type() == "type_alias") {
				return nodeText(child.ChildByFieldName("name"), source)
			}
		}
		return ""
	}
	return nodeText(node.ChildByFieldName("name"), source)
}

func firstOfType(node *sitter.Node, typ string) *sitter.Node {
	if node == nil {
		return nil
	}
	if node.Type() == typ {
		return node
	}
	for i := uint32(0); i < node.ChildCount(); i++ {
		if found := firstOfType(node.Child(int(i)), typ); found != nil {
			return found
		}
	}
	return nil
}

func nodeText(node *sitter.Node, source []byte) string {
	if node == nil {
		return ""
	}
	return string(source[node.StartByte():node.EndByte()])
}

func contains(types []string, t string) bool {
	for _, typ := range types {
		if typ == t {
			return true
		}
	}
	return false
}
