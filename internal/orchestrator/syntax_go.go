package orchestrator

import (
	"context"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	sitter "github.com/alexaandru/go-tree-sitter-bare"

	"github.com/dshills/codeatlas/internal/extractor"
	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

// goRouterImports maps router packages to the framework name they imply
var goRouterImports = map[string]string{
	"github.com/gin-gonic/gin":    "Gin",
	"github.com/labstack/echo":    "Echo",
	"github.com/labstack/echo/v4": "Echo",
	"github.com/go-chi/chi":       "Chi",
	"github.com/go-chi/chi/v5":    "Chi",
	"net/http":                    "net/http",
}

var chiVerbs = map[string]bool{
	"Get": true, "Post": true, "Put": true, "Delete": true, "Patch": true, "Options": true, "Head": true,
}

// walkSyntax parses Python and Go sources under root. Unreadable or
// unparsable files are skipped.
func (o *Orchestrator) walkSyntax(ctx context.Context, root string, files []*storage.File, f *findings) {
	var pyParser *sitter.Parser
	goStrategy := extractor.NewGoStrategy()
	pyCount, goCount := 0, 0

	for _, file := range files {
		if ctx.Err() != nil {
			return
		}
		switch {
		case file.Language == "python" && pyCount < o.maxSyntaxFiles:
			pyCount++
			content, ok := o.readSource(root, file.FilePath)
			if !ok {
				continue
			}
			if pyParser == nil {
				pyParser = newPythonParser()
			}
			if err := walkPython(ctx, pyParser, file.FilePath, content, f); err != nil {
				o.logger.Debug("python syntax walk failed", "file", file.FilePath, "error", err)
			}
		case file.Language == "go" && !file.IsTest && goCount < o.maxSyntaxFiles:
			goCount++
			content, ok := o.readSource(root, file.FilePath)
			if !ok {
				continue
			}
			walkGo(file.FilePath, content, f)
			units, err := goStrategy.Extract(ctx, file.FilePath, content)
			if err != nil {
				continue
			}
			for _, u := range units {
				if u.Kind == types.KindClass && (u.HasRole(types.RoleEntity) || u.HasRole(types.RoleAggregate) || u.HasRole(types.RoleModel)) {
					f.models = append(f.models, u.Name)
				}
			}
		}
	}
}

func (o *Orchestrator) readSource(root, rel string) ([]byte, bool) {
	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		o.logger.Debug("skipping unreadable source", "file", rel, "error", err)
		return nil, false
	}
	return content, true
}

// walkGo records main functions, router registrations and framework imports
func walkGo(file string, content []byte, f *findings) {
	fset := token.NewFileSet()
	parsed, err := parser.ParseFile(fset, file, content, parser.SkipObjectResolution)
	if parsed == nil || (err != nil && len(parsed.Decls) == 0) {
		return
	}

	verbFramework := "gin"
	chi := false
	for _, imp := range parsed.Imports {
		p, _ := strconv.Unquote(imp.Path.Value)
		name, ok := goRouterImports[p]
		if !ok {
			continue
		}
		f.frameworks = append(f.frameworks, name)
		switch name {
		case "Echo":
			verbFramework = "echo"
		case "Chi":
			chi = true
		}
	}

	ast.Inspect(parsed, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.FuncDecl:
			if node.Recv == nil && node.Name.Name == "main" && parsed.Name.Name == "main" {
				f.entrypoints = append(f.entrypoints, file)
			}
		case *ast.CallExpr:
			sel, ok := node.Fun.(*ast.SelectorExpr)
			if !ok || len(node.Args) == 0 {
				return true
			}
			lit, ok := node.Args[0].(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				return true
			}
			route, err := strconv.Unquote(lit.Value)
			if err != nil {
				return true
			}
			handler := ""
			if len(node.Args) > 1 {
				handler = exprName(node.Args[len(node.Args)-1])
			}
			method := sel.Sel.Name
			switch {
			case method == "HandleFunc" || method == "Handle":
				verb, p, found := strings.Cut(route, " ")
				if !found || !strings.HasPrefix(p, "/") {
					verb, p = "N/A", route
				}
				f.route("net/http", verb, p, handler, file)
			case httpVerbs[strings.ToLower(method)] && method == strings.ToUpper(method):
				f.route(verbFramework, method, route, handler, file)
			case chi && chiVerbs[method]:
				f.route("chi", method, route, handler, file)
			}
		}
		return true
	})
}

func exprName(e ast.Expr) string {
	switch x := e.(type) {
	case *ast.Ident:
		return x.Name
	case *ast.SelectorExpr:
		if left := exprName(x.X); left != "" {
			return left + "." + x.Sel.Name
		}
		return x.Sel.Name
	}
	return ""
}
