package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/dshills/codeatlas/internal/storage"
	"github.com/dshills/codeatlas/pkg/types"
)

const (
	maxRoutes      = 200
	maxEntrypoints = 50
	maxModels      = 200
)

// apiMarkers flag chunks that register routes or mount routers. Matched
// against lowercased content.
var apiMarkers = []string{
	"@router.", "@app.", "@blueprint.", "include_router", "apirouter",
	"handlefunc(", "gin.default(", "express.router(",
}

var (
	fastapiRx        = regexp.MustCompile(`@(?:app|router)\.(get|post|put|delete|patch|options|head)\s*\(\s*['"]([^'"]+)['"]`)
	apiRouterRx      = regexp.MustCompile(`APIRouter\([^)]*prefix\s*=\s*['"]([^'"]+)['"]`)
	includeRouterRx  = regexp.MustCompile(`include_router\([^)]*prefix\s*=\s*['"]([^'"]+)['"]`)
	flaskRx          = regexp.MustCompile(`@(?:app|blueprint)\.route\s*\(\s*['"]([^'"]+)['"](?:\s*,\s*methods\s*=\s*\[([^\]]+)\])?`)
	djangoPathRx     = regexp.MustCompile(`\bpath\(\s*['"]([^'"]+)['"]\s*,\s*([A-Za-z0-9_\.]+)`)
	djangoRePathRx   = regexp.MustCompile(`\bre_path\(\s*['"]([^'"]+)['"]\s*,\s*([A-Za-z0-9_\.]+)`)
	pydanticRx       = regexp.MustCompile(`class\s+([A-Za-z0-9_]+)\s*\(.*BaseModel.*\)\s*:`)
	sqlalchemyRx     = regexp.MustCompile(`class\s+([A-Za-z0-9_]+)\s*\(.*Base.*\)\s*:`)
	djangoModelRx    = regexp.MustCompile(`class\s+([A-Za-z0-9_]+)\s*\(.*models\.Model.*\)\s*:`)
	expressRx        = regexp.MustCompile(`\b(?:app|router)\.(get|post|put|delete|patch)\s*\(\s*['"` + "`" + `]([^'"` + "`" + `]+)['"` + "`" + `]`)
	ginRx            = regexp.MustCompile(`\.(GET|POST|PUT|DELETE|PATCH|OPTIONS|HEAD)\(\s*"([^"]+)"`)
	goHandleFuncRx   = regexp.MustCompile(`\.(?:HandleFunc|Handle)\(\s*"(?:(GET|POST|PUT|DELETE|PATCH|OPTIONS|HEAD) )?([^"]+)"`)
	pythonMainGuard  = `__name__ == "__main__"`
	entryFileNames   = []string{"main.py", "app.py", "main.go", "server.js", "server.ts", "app.js", "app.ts"}
	httpMethodTokens = strings.NewReplacer("'", "", `"`, "", " ", "")
)

// findings accumulates structure hints from every source
type findings struct {
	routes      []APIRoute
	entrypoints []string
	models      []string
	frameworks  []string
}

func (f *findings) route(framework, method, p, handler, file string) {
	f.routes = append(f.routes, APIRoute{
		Framework: framework,
		Method:    strings.ToUpper(strings.TrimSpace(method)),
		Path:      strings.TrimSpace(p),
		Handler:   handler,
		FilePath:  file,
	})
}

func (f *findings) prefix(framework, p, file string) {
	f.route(framework, "N/A", p, "", file)
}

// structure mines persisted repository data into a RepoSummary
func (o *Orchestrator) structure(ctx context.Context, st *State) ([]Node, *Interrupt, error) {
	o.logStage(ctx, st.AnalysisID, types.StageAgentOrchestration, types.LevelInfo,
		"Structure: analyzing repository metadata")

	repo, err := o.store.GetRepository(ctx, st.ProjectID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("load repository metadata: %w", err)
	}
	chunks, err := o.store.ListChunks(ctx, st.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("list chunks: %w", err)
	}
	files, err := o.store.ListFiles(ctx, st.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("list files: %w", err)
	}

	var f findings
	hits := mineChunks(chunks, &f)
	for _, file := range files {
		if slices.Contains(entryFileNames, path.Base(file.FilePath)) && !file.IsTest {
			f.entrypoints = append(f.entrypoints, file.FilePath)
		}
	}

	if project, err := o.store.GetProjectByID(ctx, st.ProjectID); err == nil {
		o.walkSyntax(ctx, project.RootPath, files, &f)
	} else {
		o.logger.Warn("project root unavailable; skipping syntax walk", "project_id", st.ProjectID, "error", err)
	}

	summary := &RepoSummary{
		RepositoryType:  "unknown",
		EntryPoints:     map[string]string{},
		ConfigFiles:     []string{},
		APIChunkHits:    hits,
		APIRoutes:       capSlice(dedupRoutes(f.routes), maxRoutes),
		EntrypointFiles: capSlice(sortedSet(f.entrypoints), maxEntrypoints),
		ModelHints:      capSlice(sortedSet(f.models), maxModels),
		FrameworkHints:  sortedSet(f.frameworks),
	}
	if repo != nil {
		summary.RepositoryType = repo.RepositoryType
		summary.PrimaryFramework = repo.PrimaryFramework
		summary.TotalFiles = repo.TotalFiles
		summary.CodeFiles = repo.CodeFiles
		if repo.EntryPoints != nil {
			summary.EntryPoints = repo.EntryPoints
		}
		if repo.ConfigFilesList != nil {
			summary.ConfigFiles = repo.ConfigFilesList
		}
	}
	st.Summary = summary
	st.KnowledgeGaps = knowledgeGaps(st.KnowledgeGaps, summary)

	o.logStage(ctx, st.AnalysisID, types.StageAgentOrchestration, types.LevelInfo,
		fmt.Sprintf("Structure: detected %s repo with %d code files and %d API hints",
			summary.RepositoryType, summary.CodeFiles, summary.APIChunkHits))
	o.progress(ctx, st.AnalysisID, 20)
	return []Node{NodeWebResearch}, nil, nil
}

// mineChunks pattern-matches chunk contents and returns the API hit count
func mineChunks(chunks []*storage.Chunk, f *findings) int {
	hits := 0
	for _, c := range chunks {
		text := c.Content
		lower := strings.ToLower(text)
		for _, m := range apiMarkers {
			if strings.Contains(lower, m) {
				hits++
				break
			}
		}
		switch c.Language {
		case "python":
			minePython(c.FilePath, text, f)
		case "go":
			mineGo(c.FilePath, text, f)
		case "javascript", "typescript":
			mineJS(c.FilePath, text, f)
		}
	}
	return hits
}

func minePython(file, text string, f *findings) {
	if strings.Contains(text, "FastAPI(") {
		f.frameworks = append(f.frameworks, "FastAPI")
		f.entrypoints = append(f.entrypoints, file)
	}
	if strings.Contains(text, "Flask(") {
		f.frameworks = append(f.frameworks, "Flask")
	}
	if strings.Contains(text, "django") || strings.Contains(text, "urlpatterns") {
		f.frameworks = append(f.frameworks, "Django")
	}
	if strings.Contains(text, pythonMainGuard) || strings.Contains(text, "uvicorn.run") {
		f.entrypoints = append(f.entrypoints, file)
	}

	for _, m := range fastapiRx.FindAllStringSubmatch(text, -1) {
		f.route("fastapi", m[1], m[2], "", file)
	}
	for _, m := range apiRouterRx.FindAllStringSubmatch(text, -1) {
		f.prefix("fastapi", m[1], file)
	}
	for _, m := range includeRouterRx.FindAllStringSubmatch(text, -1) {
		f.prefix("fastapi", m[1], file)
	}
	for _, m := range flaskRx.FindAllStringSubmatch(text, -1) {
		methods := []string{"GET"}
		if m[2] != "" {
			methods = strings.Split(httpMethodTokens.Replace(m[2]), ",")
		}
		for _, method := range methods {
			f.route("flask", method, m[1], "", file)
		}
	}
	for _, rx := range []*regexp.Regexp{djangoPathRx, djangoRePathRx} {
		for _, m := range rx.FindAllStringSubmatch(text, -1) {
			f.route("django", "N/A", m[1], m[2], file)
		}
	}
	for _, rx := range []*regexp.Regexp{pydanticRx, sqlalchemyRx, djangoModelRx} {
		for _, m := range rx.FindAllStringSubmatch(text, -1) {
			f.models = append(f.models, m[1])
		}
	}
}

func mineGo(file, text string, f *findings) {
	if strings.Contains(text, "gin.Default(") || strings.Contains(text, "gin.New(") {
		f.frameworks = append(f.frameworks, "Gin")
	}
	if strings.Contains(text, "http.ListenAndServe") {
		f.frameworks = append(f.frameworks, "net/http")
		f.entrypoints = append(f.entrypoints, file)
	}
	for _, m := range ginRx.FindAllStringSubmatch(text, -1) {
		f.route("gin", m[1], m[2], "", file)
	}
	for _, m := range goHandleFuncRx.FindAllStringSubmatch(text, -1) {
		method := m[1]
		if method == "" {
			method = "N/A"
		}
		f.route("net/http", method, m[2], "", file)
	}
}

func mineJS(file, text string, f *findings) {
	if strings.Contains(text, "express()") {
		f.frameworks = append(f.frameworks, "Express")
	}
	if strings.Contains(text, "app.listen(") {
		f.entrypoints = append(f.entrypoints, file)
	}
	for _, m := range expressRx.FindAllStringSubmatch(text, -1) {
		f.route("express", m[1], m[2], "", file)
	}
}

// dedupRoutes keeps the first route per (framework, method, path, file)
func dedupRoutes(routes []APIRoute) []APIRoute {
	type key struct{ framework, method, path, file string }
	seen := make(map[key]bool, len(routes))
	out := make([]APIRoute, 0, len(routes))
	for _, r := range routes {
		k := key{r.Framework, r.Method, r.Path, r.FilePath}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}

func knowledgeGaps(existing []string, s *RepoSummary) []string {
	gaps := append([]string(nil), existing...)
	if len(s.APIRoutes) == 0 {
		gaps = append(gaps, GapNoRoutes)
	}
	if len(s.EntrypointFiles) == 0 && len(s.EntryPoints) == 0 {
		gaps = append(gaps, GapNoEntrypoints)
	}
	if len(s.ModelHints) == 0 {
		gaps = append(gaps, GapNoModels)
	}
	return sortedSet(gaps)
}

func sortedSet(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func capSlice[T any](in []T, n int) []T {
	if len(in) > n {
		return in[:n]
	}
	return in
}
