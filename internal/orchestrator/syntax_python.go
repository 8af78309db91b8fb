package orchestrator

import (
	"context"
	"strings"

	"github.com/alexaandru/go-sitter-forest/python"
	sitter "github.com/alexaandru/go-tree-sitter-bare"
)

var httpVerbs = map[string]bool{
	"get": true, "post": true, "put": true, "delete": true,
	"patch": true, "options": true, "head": true,
}

var djangoURLFuncs = map[string]bool{"path": true, "re_path": true, "include": true}

// pyWalker collects structure hints from one Python syntax tree
type pyWalker struct {
	src  []byte
	file string
	f    *findings
}

// walkPython parses content and records routes, entrypoints, models and
// framework hints
func walkPython(ctx context.Context, parser *sitter.Parser, file string, content []byte, f *findings) error {
	tree, err := parser.ParseString(ctx, nil, content)
	if err != nil {
		return err
	}
	defer tree.Close()
	root := tree.RootNode()
	if root.IsNull() {
		return nil
	}
	w := &pyWalker{src: content, file: file, f: f}
	w.walk(ctx, root)
	return ctx.Err()
}

func newPythonParser() *sitter.Parser {
	p := sitter.NewParser()
	p.SetLanguage(sitter.NewLanguage(python.GetLanguage()))
	return p
}

func (w *pyWalker) text(n sitter.Node) string {
	start, end := n.StartByte(), n.EndByte()
	if int(end) > len(w.src) || start > end {
		return ""
	}
	return string(w.src[start:end])
}

func (w *pyWalker) walk(ctx context.Context, n sitter.Node) {
	if ctx.Err() != nil {
		return
	}
	w.visit(n)
	for idx := range n.NamedChildCount() {
		child := n.NamedChild(idx)
		if !child.IsNull() {
			w.walk(ctx, child)
		}
	}
}

func (w *pyWalker) visit(n sitter.Node) {
	switch n.Type() {
	case "import_statement":
		for idx := range n.NamedChildCount() {
			w.importHint(w.text(n.NamedChild(idx)))
		}
	case "import_from_statement":
		if mod := n.ChildByFieldName("module_name"); !mod.IsNull() {
			w.importHint(w.text(mod))
		}
	case "if_statement":
		if isMainGuard(w.text(n.ChildByFieldName("condition"))) {
			w.f.entrypoints = append(w.f.entrypoints, w.file)
		}
	case "call":
		w.call(n)
	case "decorated_definition":
		w.decorators(n)
	case "class_definition":
		w.class(n)
	case "assignment":
		w.urlpatterns(n)
	}
}

func (w *pyWalker) importHint(module string) {
	switch {
	case strings.HasPrefix(module, "django"):
		w.f.frameworks = append(w.f.frameworks, "Django")
	case strings.HasPrefix(module, "pyspark"):
		w.f.frameworks = append(w.f.frameworks, "PySpark")
	}
}

func isMainGuard(cond string) bool {
	cond = strings.NewReplacer(" ", "", "'", `"`).Replace(cond)
	return cond == `__name__=="__main__"` || cond == `"__main__"==__name__`
}

func (w *pyWalker) call(n sitter.Node) {
	fn := n.ChildByFieldName("function")
	if fn.IsNull() {
		return
	}
	switch fn.Type() {
	case "identifier":
		switch w.text(fn) {
		case "FastAPI":
			w.f.frameworks = append(w.f.frameworks, "FastAPI")
			w.f.entrypoints = append(w.f.entrypoints, w.file)
		case "Flask":
			w.f.frameworks = append(w.f.frameworks, "Flask")
			w.f.entrypoints = append(w.f.entrypoints, w.file)
		case "APIRouter":
			w.f.frameworks = append(w.f.frameworks, "FastAPI")
			if p := w.keywordString(n, "prefix"); p != "" {
				w.f.prefix("fastapi", p, w.file)
			}
		case "Blueprint":
			w.f.frameworks = append(w.f.frameworks, "Flask")
		case "SparkSession":
			w.f.frameworks = append(w.f.frameworks, "PySpark")
		}
	case "attribute":
		switch w.text(fn.ChildByFieldName("attribute")) {
		case "include_router":
			if p := w.keywordString(n, "prefix"); p != "" {
				w.f.prefix("fastapi", p, w.file)
			}
		case "getOrCreate":
			w.f.frameworks = append(w.f.frameworks, "PySpark")
		}
	}
}

// decorators records @x.get("/p") and @x.route("/p", methods=[...]) handlers
func (w *pyWalker) decorators(n sitter.Node) {
	handler := ""
	if def := n.ChildByFieldName("definition"); !def.IsNull() {
		handler = w.text(def.ChildByFieldName("name"))
	}
	for idx := range n.NamedChildCount() {
		dec := n.NamedChild(idx)
		if dec.IsNull() || dec.Type() != "decorator" || dec.NamedChildCount() == 0 {
			continue
		}
		call := dec.NamedChild(0)
		if call.Type() != "call" {
			continue
		}
		fn := call.ChildByFieldName("function")
		if fn.IsNull() || fn.Type() != "attribute" {
			continue
		}
		attr := strings.ToLower(w.text(fn.ChildByFieldName("attribute")))
		switch {
		case httpVerbs[attr]:
			w.f.route("fastapi", attr, w.firstString(call), handler, w.file)
		case attr == "route":
			method := "GET"
			if methods := w.keywordList(call, "methods"); len(methods) > 0 {
				method = methods[0]
			}
			w.f.route("flask", method, w.firstString(call), handler, w.file)
		}
	}
}

func (w *pyWalker) class(n sitter.Node) {
	name := w.text(n.ChildByFieldName("name"))
	bases := n.ChildByFieldName("superclasses")
	if name == "" || bases.IsNull() {
		return
	}
	for idx := range bases.NamedChildCount() {
		base := bases.NamedChild(idx)
		switch base.Type() {
		case "identifier":
			if w.text(base) == "BaseModel" {
				w.f.models = append(w.f.models, name)
			}
		case "attribute":
			switch w.text(base.ChildByFieldName("attribute")) {
			case "Base", "Model":
				w.f.models = append(w.f.models, name)
			}
		}
	}
}

func (w *pyWalker) urlpatterns(n sitter.Node) {
	left := n.ChildByFieldName("left")
	right := n.ChildByFieldName("right")
	if left.IsNull() || right.IsNull() || w.text(left) != "urlpatterns" {
		return
	}
	if right.Type() != "list" && right.Type() != "tuple" {
		return
	}
	w.f.frameworks = append(w.f.frameworks, "Django")
	for idx := range right.NamedChildCount() {
		elt := right.NamedChild(idx)
		if elt.Type() != "call" {
			continue
		}
		fn := elt.ChildByFieldName("function")
		if fn.IsNull() {
			continue
		}
		name := w.text(fn)
		if fn.Type() == "attribute" {
			name = w.text(fn.ChildByFieldName("attribute"))
		}
		if djangoURLFuncs[name] {
			w.f.prefix("django", w.firstString(elt), w.file)
		}
	}
}

// firstString returns the first positional argument when it is a string literal
func (w *pyWalker) firstString(call sitter.Node) string {
	args := call.ChildByFieldName("arguments")
	if args.IsNull() || args.NamedChildCount() == 0 {
		return ""
	}
	first := args.NamedChild(0)
	if first.Type() != "string" {
		return ""
	}
	return unquote(w.text(first))
}

func (w *pyWalker) keyword(call sitter.Node, name string) (sitter.Node, bool) {
	args := call.ChildByFieldName("arguments")
	if args.IsNull() {
		return sitter.Node{}, false
	}
	for idx := range args.NamedChildCount() {
		kw := args.NamedChild(idx)
		if kw.Type() != "keyword_argument" || w.text(kw.ChildByFieldName("name")) != name {
			continue
		}
		value := kw.ChildByFieldName("value")
		return value, !value.IsNull()
	}
	return sitter.Node{}, false
}

func (w *pyWalker) keywordString(call sitter.Node, name string) string {
	value, ok := w.keyword(call, name)
	if !ok || value.Type() != "string" {
		return ""
	}
	return unquote(w.text(value))
}

func (w *pyWalker) keywordList(call sitter.Node, name string) []string {
	value, ok := w.keyword(call, name)
	if !ok || (value.Type() != "list" && value.Type() != "tuple") {
		return nil
	}
	var out []string
	for idx := range value.NamedChildCount() {
		elt := value.NamedChild(idx)
		if elt.Type() == "string" {
			out = append(out, unquote(w.text(elt)))
		}
	}
	return out
}

func unquote(s string) string {
	s = strings.TrimLeft(s, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(s) >= 2*len(q) && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			return s[len(q) : len(s)-len(q)]
		}
	}
	return s
}
