package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unsafe"

	"github.com/alexaandru/go-sitter-forest/java"
	"github.com/alexaandru/go-sitter-forest/javascript"
	"github.com/alexaandru/go-sitter-forest/python"
	"github.com/alexaandru/go-sitter-forest/typescript"
	sitter "github.com/alexaandru/go-tree-sitter-bare"

	"github.com/dshills/codeatlas/pkg/types"
)

var (
	errNoRootNode = errors.New("tree-sitter produced no root node")
	errPoolType   = errors.New("unexpected parser pool type")
)

// grammar describes which node types of a tree-sitter grammar become units
type grammar struct {
	name      string
	language  func() unsafe.Pointer
	functions map[string]bool
	classes   map[string]bool
	imports   map[string]bool
	// bodyDocstring means docs live in the first statement of a body (Python)
	bodyDocstring bool
}

func set(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

func builtinGrammars() []grammar {
	jsFunctions := set("function_declaration", "generator_function_declaration", "method_definition")
	return []grammar{
		{
			name:          "python",
			language:      python.GetLanguage,
			functions:     set("function_definition"),
			classes:       set("class_definition"),
			imports:       set("import_statement", "import_from_statement"),
			bodyDocstring: true,
		},
		{
			name:      "javascript",
			language:  javascript.GetLanguage,
			functions: jsFunctions,
			classes:   set("class_declaration"),
			imports:   set("import_statement"),
		},
		{
			name:      "typescript",
			language:  typescript.GetLanguage,
			functions: set("function_declaration", "generator_function_declaration", "method_definition", "method_signature"),
			classes:   set("class_declaration", "abstract_class_declaration", "interface_declaration"),
			imports:   set("import_statement"),
		},
		{
			name:      "java",
			language:  java.GetLanguage,
			functions: set("method_declaration", "constructor_declaration"),
			classes:   set("class_declaration", "interface_declaration", "enum_declaration", "record_declaration"),
			imports:   set("import_declaration"),
		},
	}
}

// treeSitterStrategy extracts units from any grammar described by a grammar spec
type treeSitterStrategy struct {
	g    grammar
	once sync.Once
	lang *sitter.Language
	pool sync.Pool
}

func newTreeSitterStrategy(g grammar) *treeSitterStrategy {
	return &treeSitterStrategy{g: g}
}

func (s *treeSitterStrategy) Language() string { return s.g.name }

func (s *treeSitterStrategy) init() {
	s.once.Do(func() {
		s.lang = sitter.NewLanguage(s.g.language())
		lang := s.lang
		s.pool = sync.Pool{
			New: func() any {
				p := sitter.NewParser()
				p.SetLanguage(lang)
				return p
			},
		}
	})
}

// Extract parses content and walks top-level and class-body declarations
func (s *treeSitterStrategy) Extract(ctx context.Context, path string, content []byte) ([]types.Unit, error) {
	s.init()
	parser, ok := s.pool.Get().(*sitter.Parser)
	if !ok {
		return nil, errPoolType
	}
	defer s.pool.Put(parser)

	tree, err := parser.ParseString(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.IsNull() {
		return nil, errNoRootNode
	}

	w := &tsWalker{
		g:     s.g,
		src:   content,
		lines: strings.Split(string(content), "\n"),
	}
	w.collectImports(root)
	w.walk(ctx, root, "")
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return w.units, nil
}

type tsWalker struct {
	g       grammar
	src     []byte
	lines   []string
	imports []string
	units   []types.Unit
}

func (w *tsWalker) text(n sitter.Node) string {
	start, end := n.StartByte(), n.EndByte()
	if int(end) > len(w.src) || start > end {
		return ""
	}
	return string(w.src[start:end])
}

func (w *tsWalker) field(n sitter.Node, name string) string {
	f := n.ChildByFieldName(name)
	if f.IsNull() {
		return ""
	}
	return w.text(f)
}

func (w *tsWalker) collectImports(root sitter.Node) {
	for idx := range root.NamedChildCount() {
		child := root.NamedChild(idx)
		if child.IsNull() || !w.g.imports[child.Type()] {
			continue
		}
		if src := w.field(child, "source"); src != "" {
			w.imports = append(w.imports, strings.Trim(src, `"'`))
			continue
		}
		stmt := strings.TrimSpace(w.text(child))
		stmt = strings.TrimSuffix(strings.TrimPrefix(stmt, "import "), ";")
		w.imports = append(w.imports, strings.TrimSpace(stmt))
	}
}

// walk visits the named children of a container; parent names the enclosing class
func (w *tsWalker) walk(ctx context.Context, container sitter.Node, parent string) {
	var prev *sitter.Node
	for idx := range container.NamedChildCount() {
		if ctx.Err() != nil {
			return
		}
		child := container.NamedChild(idx)
		if child.IsNull() {
			continue
		}
		w.visit(ctx, child, child, prev, parent)
		prev = &child
	}
}

// visit handles decl, whose reported range is outer (wrappers like decorators
// and exports widen the range); prev is the sibling before outer
func (w *tsWalker) visit(ctx context.Context, outer, decl sitter.Node, prev *sitter.Node, parent string) {
	typ := decl.Type()
	switch {
	case typ == "decorated_definition":
		if def := decl.ChildByFieldName("definition"); !def.IsNull() {
			w.visit(ctx, outer, def, prev, parent)
		}
	case typ == "export_statement":
		if d := decl.ChildByFieldName("declaration"); !d.IsNull() {
			w.visit(ctx, outer, d, prev, parent)
		}
	case typ == "lexical_declaration" || typ == "variable_declaration":
		w.visitVariables(outer, decl, prev, parent)
	case w.g.classes[typ]:
		w.visitClass(ctx, outer, decl, prev)
	case w.g.functions[typ]:
		w.addFunction(outer, decl, prev, parent)
	}
}

func (w *tsWalker) visitClass(ctx context.Context, outer, decl sitter.Node, prev *sitter.Node) {
	name := w.field(decl, "name")
	if name == "" {
		return
	}
	unit := w.newUnit(outer, decl, prev, name, types.KindClass)
	unit.Roles = detectRoles(name)
	header := w.header(outer, decl)
	if w.isModel(decl) {
		unit.Roles = appendRole(unit.Roles, types.RoleModel)
	}
	if strings.Contains(header, "@Entity") {
		unit.Roles = appendRole(unit.Roles, types.RoleEntity)
	}
	w.units = append(w.units, unit)

	if body := decl.ChildByFieldName("body"); !body.IsNull() {
		w.walk(ctx, body, name)
	}
}

func (w *tsWalker) visitVariables(outer, decl sitter.Node, prev *sitter.Node, parent string) {
	for idx := range decl.NamedChildCount() {
		d := decl.NamedChild(idx)
		if d.IsNull() || d.Type() != "variable_declarator" {
			continue
		}
		value := d.ChildByFieldName("value")
		if value.IsNull() {
			continue
		}
		switch value.Type() {
		case "arrow_function", "function_expression", "function":
		default:
			continue
		}
		name := w.field(d, "name")
		if name == "" {
			continue
		}
		unit := w.newUnit(outer, value, prev, name, types.KindFunction)
		unit.Parent = parent
		unit.Parameters = w.parameters(value)
		unit.ReturnType = w.returnType(value)
		w.units = append(w.units, unit)
	}
}

func (w *tsWalker) addFunction(outer, decl sitter.Node, prev *sitter.Node, parent string) {
	name := w.field(decl, "name")
	if name == "" {
		return
	}
	kind := types.KindFunction
	if parent != "" {
		kind = types.KindMethod
	}
	unit := w.newUnit(outer, decl, prev, name, kind)
	unit.Parent = parent
	unit.Parameters = w.parameters(decl)
	unit.ReturnType = w.returnType(decl)
	if strings.HasSuffix(name, "Handler") {
		unit.Roles = append(unit.Roles, types.RoleHandler)
	}
	w.units = append(w.units, unit)
}

func (w *tsWalker) newUnit(outer, decl sitter.Node, prev *sitter.Node, name string, kind types.ChunkKind) types.Unit {
	start := int(outer.StartPoint().Row) + 1
	end := int(outer.EndPoint().Row) + 1
	return types.Unit{
		Name:         name,
		Kind:         kind,
		Content:      lineSlice(w.lines, start, end),
		StartLine:    start,
		EndLine:      end,
		Docstring:    w.docstring(decl, prev),
		Dependencies: w.imports,
	}
}

func (w *tsWalker) parameters(decl sitter.Node) []string {
	params := decl.ChildByFieldName("parameters")
	if params.IsNull() {
		return nil
	}
	var out []string
	for idx := range params.NamedChildCount() {
		p := params.NamedChild(idx)
		if p.IsNull() || strings.Contains(p.Type(), "comment") {
			continue
		}
		out = append(out, strings.TrimSpace(w.text(p)))
	}
	return out
}

func (w *tsWalker) returnType(decl sitter.Node) string {
	rt := w.field(decl, "return_type")
	if rt == "" && w.g.name == "java" {
		rt = w.field(decl, "type")
	}
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(rt), ":"))
}

// docstring reads a leading string statement in the body, or a /** */ comment before the declaration
func (w *tsWalker) docstring(decl sitter.Node, prev *sitter.Node) string {
	if w.g.bodyDocstring {
		body := decl.ChildByFieldName("body")
		if body.IsNull() || body.NamedChildCount() == 0 {
			return ""
		}
		first := body.NamedChild(0)
		if first.IsNull() || first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
			return ""
		}
		str := first.NamedChild(0)
		if str.IsNull() || str.Type() != "string" {
			return ""
		}
		return trimPythonString(w.text(str))
	}
	if prev == nil || !strings.Contains(prev.Type(), "comment") {
		return ""
	}
	text := w.text(*prev)
	if !strings.HasPrefix(text, "/**") {
		return ""
	}
	return trimBlockComment(text)
}

// header is the declaration text before its body
func (w *tsWalker) header(outer, decl sitter.Node) string {
	end := decl.EndByte()
	if body := decl.ChildByFieldName("body"); !body.IsNull() {
		end = body.StartByte()
	}
	start := outer.StartByte()
	if int(end) > len(w.src) || start > end {
		return ""
	}
	return string(w.src[start:end])
}

func (w *tsWalker) isModel(decl sitter.Node) bool {
	if w.g.name != "python" {
		return false
	}
	bases := w.field(decl, "superclasses")
	for _, base := range strings.FieldsFunc(strings.Trim(bases, "()"), func(r rune) bool { return r == ',' || r == ' ' }) {
		switch base {
		case "BaseModel", "Base", "models.Model", "db.Model", "SQLModel":
			return true
		}
	}
	return false
}

func appendRole(roles []types.Role, r types.Role) []types.Role {
	for _, have := range roles {
		if have == r {
			return roles
		}
	}
	return append(roles, r)
}

func trimPythonString(s string) string {
	s = strings.TrimLeft(s, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if strings.HasPrefix(s, q) && strings.HasSuffix(s, q) && len(s) >= 2*len(q) {
			return strings.TrimSpace(s[len(q) : len(s)-len(q)])
		}
	}
	return strings.TrimSpace(s)
}

func trimBlockComment(s string) string {
	s = strings.TrimSuffix(strings.TrimPrefix(s, "/**"), "*/")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		line = strings.TrimSpace(strings.TrimPrefix(line, "*"))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
