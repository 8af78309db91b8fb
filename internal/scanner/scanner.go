package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/src-d/enry/v2"
)

// FileType classifies a scanned file
type FileType string

const (
	TypeCode          FileType = "code"
	TypeTest          FileType = "test"
	TypeConfig        FileType = "config"
	TypeDocumentation FileType = "documentation"
	TypeOther         FileType = "other"
)

// DefaultSkip lists directory and file names never descended into or counted.
// Entries containing '*' are glob patterns.
var DefaultSkip = []string{
	".git", ".github", ".gitlab", ".gitignore",
	"node_modules", "__pycache__", ".venv", "venv", "env", ".env", ".env.local",
	"dist", "build", "target",
	".tox", ".pytest_cache", ".mypy_cache", ".coverage", "coverage", "htmlcov",
	".idea", ".vscode", ".DS_Store", "*.egg-info",
	".next", ".nuxt", ".cache", "tmp", "temp",
}

// entryPoints are checked relative to the repository root, in this order
var entryPoints = []string{
	"main.py", "app.py", "server.py", "manage.py",
	"index.js", "index.ts", "server.js", "app.js",
	"src/main.tsx", "src/index.tsx", "src/index.js", "src/main.ts",
	"main.go", "cmd/main.go",
	"src/main.rs",
}

var configNames = map[string]bool{
	"pyproject.toml": true, "setup.py": true, "requirements.txt": true, "Pipfile": true,
	"package.json": true, "tsconfig.json": true,
	"docker-compose.yml": true, "docker-compose.yaml": true, "Dockerfile": true, ".env.example": true,
	"go.mod": true, "Cargo.toml": true, "pom.xml": true, "build.gradle": true, "composer.json": true,
}

var codeExtensions = map[string]bool{
	".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true, ".java": true,
	".go": true, ".rs": true, ".cs": true, ".php": true, ".rb": true, ".cpp": true,
	".c": true, ".h": true, ".swift": true, ".kt": true, ".scala": true, ".r": true, ".m": true,
}

var configExtensions = map[string]bool{
	".json": true, ".yaml": true, ".yml": true, ".toml": true, ".ini": true, ".cfg": true, ".xml": true,
}

var docExtensions = map[string]bool{".md": true, ".rst": true, ".txt": true}

// extLanguages pins the languages the extractor understands, where enry would
// need file content to disambiguate (.ts, .h)
var extLanguages = map[string]string{
	".py": "python", ".js": "javascript", ".jsx": "javascript", ".mjs": "javascript",
	".ts": "typescript", ".tsx": "typescript", ".java": "java", ".go": "go",
	".cs": "csharp", ".rs": "rust", ".rb": "ruby", ".php": "php",
}

// enryLanguages maps enry's language names onto lowercase identifiers
var enryLanguages = map[string]string{
	"Kotlin": "kotlin", "Swift": "swift", "Scala": "scala", "C": "c", "C++": "cpp",
	"Objective-C": "objective-c", "R": "r",
}

// File is one scanned file
type File struct {
	Path        string // slash-separated, relative to the root
	AbsPath     string
	Name        string
	Language    string // empty for non-code files
	Type        FileType
	IsTest      bool
	IsImportant bool
	Size        int64
}

// Summary is the repository-level rollup of a scan
type Summary struct {
	RepositoryType      string
	PrimaryFramework    string
	SecondaryFrameworks []string
	TotalFiles          int
	CodeFiles           int
	TestFiles           int
	ConfigFiles         int
	DocumentationFiles  int
	EntryPoints         map[string]string
	ConfigFilesList     []string
	Dependencies        map[string][]string
}

// Result holds everything one walk produced
type Result struct {
	Root    string
	Summary Summary
	Files   []File
}

// SourceFiles returns files with a detected programming language, in walk order
func (r *Result) SourceFiles() []File {
	out := make([]File, 0, len(r.Files))
	for _, f := range r.Files {
		if f.Language != "" {
			out = append(out, f)
		}
	}
	return out
}

// Scanner walks a repository once and classifies what it finds
type Scanner struct {
	skip     map[string]bool
	patterns []string
	logger   *slog.Logger
}

// Option configures a Scanner
type Option func(*Scanner)

// WithSkip adds names or glob patterns to the skip list
func WithSkip(names ...string) Option {
	return func(s *Scanner) {
		s.addSkip(names)
	}
}

// WithLogger sets the scanner's logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a scanner with DefaultSkip applied
func New(opts ...Option) *Scanner {
	s := &Scanner{skip: make(map[string]bool), logger: slog.Default()}
	s.addSkip(DefaultSkip)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scanner) addSkip(names []string) {
	for _, n := range names {
		if strings.Contains(n, "*") {
			s.patterns = append(s.patterns, n)
			continue
		}
		s.skip[n] = true
	}
}

func (s *Scanner) skipped(name string) bool {
	if s.skip[name] {
		return true
	}
	for _, p := range s.patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Scan walks root and returns the file inventory and repository summary
func (s *Scanner) Scan(ctx context.Context, root string) (*Result, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("repository not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("repository root %s is not a directory", abs)
	}

	res := &Result{Root: abs}
	extCounts := make(map[string]int)
	var keyFiles []string

	err = filepath.WalkDir(abs, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			s.logger.Warn("skipping unreadable path", "path", p, "error", walkErr)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == abs {
			return nil
		}
		rel, err := filepath.Rel(abs, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		name := d.Name()

		if d.IsDir() {
			if s.skipped(name) || enry.IsVendor(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || s.skipped(name) || enry.IsVendor(rel) {
			return nil
		}

		file := classify(rel, name)
		file.AbsPath = p
		if fi, err := d.Info(); err == nil {
			file.Size = fi.Size()
		}
		res.Files = append(res.Files, file)

		ext := strings.ToLower(filepath.Ext(name))
		extCounts[ext]++
		if isKeyFile(name) {
			keyFiles = append(keyFiles, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk repository: %w", err)
	}

	res.Summary = s.summarize(abs, res.Files, extCounts, keyFiles)
	s.logger.Info("repository scanned",
		"root", abs,
		"type", res.Summary.RepositoryType,
		"files", res.Summary.TotalFiles,
		"code_files", res.Summary.CodeFiles)
	return res, nil
}

func (s *Scanner) summarize(root string, files []File, extCounts map[string]int, keyFiles []string) Summary {
	sum := Summary{
		EntryPoints:  make(map[string]string),
		Dependencies: make(map[string][]string),
	}
	for _, ep := range entryPoints {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(ep))); err == nil {
			sum.EntryPoints[ep] = ep
		}
	}

	important := make(map[string]bool, len(sum.EntryPoints))
	for _, rel := range sum.EntryPoints {
		important[rel] = true
	}
	for i := range files {
		f := &files[i]
		sum.TotalFiles++
		switch f.Type {
		case TypeTest:
			sum.TestFiles++
		case TypeCode:
			sum.CodeFiles++
		case TypeConfig:
			sum.ConfigFiles++
		case TypeDocumentation:
			sum.DocumentationFiles++
		}
		if configNames[f.Name] {
			sum.ConfigFilesList = append(sum.ConfigFilesList, f.Path)
			important[f.Path] = true
		}
	}
	for i := range files {
		files[i].IsImportant = important[files[i].Path]
	}
	sort.Strings(sum.ConfigFilesList)

	sum.RepositoryType = detectRepositoryType(extCounts)
	sum.PrimaryFramework, sum.SecondaryFrameworks = detectFrameworks(sum.RepositoryType, keyFiles, s.logger)
	for key, deps := range extractDependencies(root, s.logger) {
		sum.Dependencies[key] = deps
	}
	return sum
}

// classify assigns type and language by name. Test patterns win over extensions.
func classify(rel, name string) File {
	ext := strings.ToLower(filepath.Ext(name))
	f := File{Path: rel, Name: name, Type: TypeOther}
	f.IsTest = isTestFile(name)
	switch {
	case f.IsTest:
		f.Type = TypeTest
	case codeExtensions[ext]:
		f.Type = TypeCode
	case configExtensions[ext]:
		f.Type = TypeConfig
	case docExtensions[ext]:
		f.Type = TypeDocumentation
	}
	if f.Type == TypeOther && enry.IsDocumentation(rel) {
		f.Type = TypeDocumentation
	}
	if f.Type == TypeCode || f.Type == TypeTest {
		f.Language = DetectLanguage(name)
	}
	return f
}

// DetectLanguage returns the lowercase language of a file name, or ""
func DetectLanguage(name string) string {
	if lang, ok := extLanguages[strings.ToLower(filepath.Ext(name))]; ok {
		return lang
	}
	return enryLanguages[enry.GetLanguage(filepath.Base(name), nil)]
}

func isTestFile(name string) bool {
	for _, p := range []string{"test_", "_test.", ".test.", ".spec."} {
		if strings.Contains(name, p) {
			return true
		}
	}
	return false
}
