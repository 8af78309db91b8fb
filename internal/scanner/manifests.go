package scanner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"golang.org/x/mod/modfile"
)

// indicator describes how one language announces itself
type indicator struct {
	language   string
	extensions []string
	keyFiles   []string
	frameworks []framework
}

type framework struct {
	name     string
	patterns []string
}

// indicators is ordered; the first language wins a tie on file counts
var indicators = []indicator{
	{
		language:   "python",
		extensions: []string{".py"},
		keyFiles:   []string{"requirements.txt", "setup.py", "pyproject.toml", "Pipfile"},
		frameworks: []framework{
			{"fastapi", []string{"fastapi", "starlette"}},
			{"django", []string{"django"}},
			{"flask", []string{"flask"}},
			{"sqlalchemy", []string{"sqlalchemy"}},
			{"asyncio", []string{"asyncio", "aiohttp"}},
		},
	},
	{
		language:   "javascript",
		extensions: []string{".js", ".jsx", ".mjs"},
		keyFiles:   []string{"package.json"},
		frameworks: []framework{
			{"react", []string{"\"react\""}},
			{"nextjs", []string{"\"next\""}},
			{"vue", []string{"\"vue\""}},
			{"angular", []string{"@angular/core"}},
			{"express", []string{"\"express\""}},
			{"nestjs", []string{"@nestjs/core"}},
		},
	},
	{
		language:   "typescript",
		extensions: []string{".ts", ".tsx"},
		keyFiles:   []string{"tsconfig.json", "package.json"},
		frameworks: []framework{
			{"nextjs", []string{"\"next\""}},
			{"react", []string{"\"react\""}},
			{"angular", []string{"@angular/core"}},
			{"nestjs", []string{"@nestjs/core"}},
			{"express", []string{"\"express\""}},
		},
	},
	{
		language:   "java",
		extensions: []string{".java"},
		keyFiles:   []string{"pom.xml", "build.gradle"},
		frameworks: []framework{
			{"spring", []string{"spring-core", "spring-boot"}},
			{"maven", []string{"maven"}},
		},
	},
	{
		language:   "go",
		extensions: []string{".go"},
		keyFiles:   []string{"go.mod"},
		frameworks: []framework{
			{"gin", []string{"github.com/gin-gonic/gin"}},
			{"echo", []string{"github.com/labstack/echo"}},
			{"chi", []string{"github.com/go-chi/chi"}},
			{"fiber", []string{"github.com/gofiber/fiber"}},
		},
	},
	{
		language:   "rust",
		extensions: []string{".rs"},
		keyFiles:   []string{"Cargo.toml"},
		frameworks: []framework{
			{"actix", []string{"actix-web"}},
			{"axum", []string{"axum"}},
		},
	},
	{
		language:   "csharp",
		extensions: []string{".cs"},
		keyFiles:   []string{"Program.cs"},
		frameworks: []framework{
			{"aspnet", []string{"microsoft.aspnetcore"}},
		},
	},
	{
		language:   "php",
		extensions: []string{".php"},
		keyFiles:   []string{"composer.json"},
		frameworks: []framework{
			{"laravel", []string{"laravel/framework"}},
			{"symfony", []string{"symfony/"}},
		},
	},
}

// UnknownType is reported when no language has any files
const UnknownType = "unknown"

func isKeyFile(name string) bool {
	for _, ind := range indicators {
		for _, k := range ind.keyFiles {
			if k == name {
				return true
			}
		}
	}
	return false
}

func detectRepositoryType(extCounts map[string]int) string {
	best, bestCount := UnknownType, 0
	for _, ind := range indicators {
		n := 0
		for _, ext := range ind.extensions {
			n += extCounts[ext]
		}
		if n > bestCount {
			best, bestCount = ind.language, n
		}
	}
	return best
}

// detectFrameworks matches the repository language's framework patterns against
// the content of its key files. The first match is primary.
func detectFrameworks(repoType string, keyFiles []string, logger *slog.Logger) (string, []string) {
	var ind *indicator
	for i := range indicators {
		if indicators[i].language == repoType {
			ind = &indicators[i]
			break
		}
	}
	if ind == nil {
		return "", nil
	}

	var content strings.Builder
	for _, p := range keyFiles {
		if !contains(ind.keyFiles, filepath.Base(p)) {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			logger.Warn("failed to read key file", "path", p, "error", err)
			continue
		}
		content.WriteString(strings.ToLower(string(data)))
		content.WriteByte('\n')
	}
	text := content.String()

	var found []string
	for _, fw := range ind.frameworks {
		for _, pat := range fw.patterns {
			if strings.Contains(text, strings.ToLower(pat)) {
				found = append(found, fw.name)
				break
			}
		}
	}
	if len(found) == 0 {
		return "", nil
	}
	return found[0], found[1:]
}

// manifestParsers turn a root-level manifest into "name version" style entries
var manifestParsers = map[string]func([]byte) ([]string, error){
	"go.mod":           parseGoMod,
	"package.json":     parsePackageJSON,
	"requirements.txt": parseRequirements,
	"pyproject.toml":   parsePyproject,
	"Cargo.toml":       parseCargo,
}

// extractDependencies reads every known manifest at the repository root.
// Unparseable manifests are logged and left out.
func extractDependencies(root string, logger *slog.Logger) map[string][]string {
	deps := make(map[string][]string)
	for name, parse := range manifestParsers {
		data, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			continue
		}
		entries, err := parse(data)
		if err != nil {
			logger.Warn("failed to parse manifest", "file", name, "error", err)
			continue
		}
		if len(entries) > 0 {
			deps[name] = entries
		}
	}
	return deps
}

func parseGoMod(data []byte) ([]string, error) {
	f, err := modfile.Parse("go.mod", data, nil)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, r := range f.Require {
		if r.Indirect {
			continue
		}
		out = append(out, r.Mod.Path+" "+r.Mod.Version)
	}
	return out, nil
}

func parsePackageJSON(data []byte) ([]string, error) {
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("decode package.json: %w", err)
	}
	out := make([]string, 0, len(pkg.Dependencies)+len(pkg.DevDependencies))
	for name, version := range pkg.Dependencies {
		out = append(out, name+"@"+version)
	}
	for name, version := range pkg.DevDependencies {
		out = append(out, name+"@"+version)
	}
	sort.Strings(out)
	return out, nil
}

func parseRequirements(data []byte) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if i := strings.Index(line, "#"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		if line == "" || strings.HasPrefix(line, "-") {
			continue
		}
		out = append(out, line)
	}
	return out, sc.Err()
}

func parsePyproject(data []byte) ([]string, error) {
	var doc struct {
		Project struct {
			Dependencies []string `toml:"dependencies"`
		} `toml:"project"`
		Tool struct {
			Poetry struct {
				Dependencies map[string]any `toml:"dependencies"`
			} `toml:"poetry"`
		} `toml:"tool"`
	}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("decode pyproject.toml: %w", err)
	}
	out := append([]string(nil), doc.Project.Dependencies...)
	poetry := tableVersions(doc.Tool.Poetry.Dependencies)
	for _, dep := range poetry {
		if !strings.HasPrefix(dep, "python ") {
			out = append(out, dep)
		}
	}
	return out, nil
}

func parseCargo(data []byte) ([]string, error) {
	var doc struct {
		Dependencies map[string]any `toml:"dependencies"`
	}
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("decode Cargo.toml: %w", err)
	}
	return tableVersions(doc.Dependencies), nil
}

// tableVersions flattens `name = "1.0"` and `name = { version = "1.0" }` entries
func tableVersions(table map[string]any) []string {
	out := make([]string, 0, len(table))
	for name, v := range table {
		switch val := v.(type) {
		case string:
			out = append(out, name+" "+val)
		case map[string]any:
			if version, ok := val["version"].(string); ok {
				out = append(out, name+" "+version)
			} else {
				out = append(out, name)
			}
		default:
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
