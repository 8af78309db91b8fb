package extractor

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"

	"github.com/dshills/codeatlas/pkg/types"
)

// GoStrategy extracts units from Go source using go/ast
type GoStrategy struct{}

// NewGoStrategy creates a Go extraction strategy
func NewGoStrategy() *GoStrategy {
	return &GoStrategy{}
}

func (g *GoStrategy) Language() string { return "go" }

// Extract parses a Go file and returns its functions, methods and type declarations.
// Syntax errors are tolerated as long as a partial AST is produced.
func (g *GoStrategy) Extract(ctx context.Context, path string, content []byte) ([]types.Unit, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, content, parser.ParseComments)
	if file == nil || (err != nil && len(file.Decls) == 0) {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	v := &goVisitor{
		fset:    fset,
		lines:   strings.Split(string(content), "\n"),
		imports: extractGoImports(file),
	}
	for _, decl := range file.Decls {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch d := decl.(type) {
		case *ast.FuncDecl:
			v.extractFunction(d)
		case *ast.GenDecl:
			if d.Tok == token.TYPE {
				v.extractTypes(d)
			}
		}
	}
	return v.units, nil
}

func extractGoImports(file *ast.File) []string {
	imports := make([]string, 0, len(file.Imports))
	for _, imp := range file.Imports {
		imports = append(imports, strings.Trim(imp.Path.Value, `"`))
	}
	return imports
}

// goVisitor collects units from top-level declarations
type goVisitor struct {
	fset    *token.FileSet
	lines   []string
	imports []string
	units   []types.Unit
}

func (v *goVisitor) span(from, to token.Pos) (int, int, string) {
	start := v.fset.Position(from).Line
	end := v.fset.Position(to).Line
	return start, end, lineSlice(v.lines, start, end)
}

// extractFunction extracts function and method declarations
func (v *goVisitor) extractFunction(fn *ast.FuncDecl) {
	start, end, content := v.span(fn.Pos(), fn.End())
	unit := types.Unit{
		Name:         fn.Name.Name,
		Kind:         types.KindFunction,
		Content:      content,
		StartLine:    start,
		EndLine:      end,
		Docstring:    docText(fn.Doc),
		Dependencies: v.imports,
		Parameters:   fieldNames(fn.Type.Params),
		ReturnType:   fieldTypes(fn.Type.Results),
	}
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		unit.Kind = types.KindMethod
		unit.Parent = receiverType(fn.Recv.List[0].Type)
	}
	if strings.HasSuffix(unit.Name, "Handler") || isHTTPHandler(fn) {
		unit.Roles = append(unit.Roles, types.RoleHandler)
	}
	v.units = append(v.units, unit)
}

// extractTypes extracts struct, interface and named type declarations as class units
func (v *goVisitor) extractTypes(decl *ast.GenDecl) {
	for _, spec := range decl.Specs {
		ts, ok := spec.(*ast.TypeSpec)
		if !ok {
			continue
		}
		from, doc := ts.Pos(), ts.Doc
		if len(decl.Specs) == 1 {
			from, doc = decl.Pos(), decl.Doc
		}
		start, end, content := v.span(from, ts.End())
		unit := types.Unit{
			Name:         ts.Name.Name,
			Kind:         types.KindClass,
			Content:      content,
			StartLine:    start,
			EndLine:      end,
			Docstring:    docText(doc),
			Dependencies: v.imports,
			Roles:        detectRoles(ts.Name.Name),
		}
		if st, ok := ts.Type.(*ast.StructType); ok {
			unit.Parameters = structFields(st)
			if len(unit.Roles) == 0 && isEntityLike(unit.Parameters) {
				unit.Roles = append(unit.Roles, types.RoleEntity)
			}
		}
		v.units = append(v.units, unit)
	}
}

// isHTTPHandler matches func(w http.ResponseWriter, r *http.Request)
func isHTTPHandler(fn *ast.FuncDecl) bool {
	params := fn.Type.Params
	if params == nil || params.NumFields() != 2 {
		return false
	}
	var kinds []string
	for _, f := range params.List {
		for range max(1, len(f.Names)) {
			kinds = append(kinds, exprString(f.Type))
		}
	}
	return len(kinds) == 2 && kinds[0] == "http.ResponseWriter" && kinds[1] == "*http.Request"
}

func receiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverType(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverType(t.X)
	case *ast.IndexListExpr:
		return receiverType(t.X)
	}
	return ""
}

// fieldNames renders parameters as "name type"
func fieldNames(list *ast.FieldList) []string {
	if list == nil {
		return nil
	}
	var out []string
	for _, f := range list.List {
		typ := exprString(f.Type)
		if len(f.Names) == 0 {
			out = append(out, typ)
			continue
		}
		for _, name := range f.Names {
			out = append(out, name.Name+" "+typ)
		}
	}
	return out
}

// fieldTypes renders a result list as a single type string
func fieldTypes(list *ast.FieldList) string {
	if list == nil || len(list.List) == 0 {
		return ""
	}
	var parts []string
	for _, f := range list.List {
		typ := exprString(f.Type)
		for range max(1, len(f.Names)) {
			parts = append(parts, typ)
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func structFields(st *ast.StructType) []string {
	if st.Fields == nil {
		return nil
	}
	var out []string
	for _, f := range st.Fields.List {
		for _, name := range f.Names {
			out = append(out, name.Name)
		}
	}
	return out
}

// exprString converts a type expression to a compact string
func exprString(expr ast.Expr) string {
	switch t := expr.(type) {
	case nil:
		return ""
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + exprString(t.X)
	case *ast.ArrayType:
		return "[]" + exprString(t.Elt)
	case *ast.MapType:
		return fmt.Sprintf("map[%s]%s", exprString(t.Key), exprString(t.Value))
	case *ast.ChanType:
		return "chan " + exprString(t.Value)
	case *ast.FuncType:
		return "func(...)"
	case *ast.InterfaceType:
		return "interface{}"
	case *ast.SelectorExpr:
		return exprString(t.X) + "." + t.Sel.Name
	case *ast.Ellipsis:
		return "..." + exprString(t.Elt)
	case *ast.IndexExpr:
		return exprString(t.X) + "[" + exprString(t.Index) + "]"
	default:
		return "..."
	}
}

func docText(doc *ast.CommentGroup) string {
	if doc == nil {
		return ""
	}
	return strings.TrimSpace(doc.Text())
}
