// Package ignore decides which paths of a source folder are synced.
package ignore

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/openmined/blobsync/internal/pathindex"
	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

// ReasonDefault rejects paths matched by the built-in rules, which never
// change at runtime.
const ReasonDefault = "default ignore rule"

// IgnoreFiles are read from the folder root, in order.
var IgnoreFiles = []string{".gitignore", ".blobsyncignore"}

var defaultIgnoreLines = []string{
	// vcs
	".git",
	".hg",
	".svn",
	// dependencies and build output
	"node_modules",
	"vendor",
	"__pycache__",
	"*.py[cod]",
	"dist",
	"build",
	"target",
	"venv",
	".venv",
	// IDE/Editor-specific
	".vscode",
	".idea",
	// General excludes
	"*.tmp",
	"*.swp",
	"*.log",
	"logs",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
}

// Filter is the acceptance oracle of one source folder.
type Filter struct {
	fs       afero.Fs
	defaults *gitignore.GitIgnore
	excludes []string
	logger   *slog.Logger

	mu    sync.RWMutex
	rules map[string]*gitignore.GitIgnore
}

// New builds a filter rooted at fs. excludes are doublestar patterns matched
// against slash-separated relative paths.
func New(fs afero.Fs, excludes []string, logger *slog.Logger) (*Filter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, pattern := range excludes {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid exclude pattern %q", pattern)
		}
	}
	return &Filter{
		fs:       fs,
		defaults: gitignore.CompileIgnoreLines(defaultIgnoreLines...),
		rules:    make(map[string]*gitignore.GitIgnore),
		excludes: excludes,
		logger:   logger,
	}, nil
}

// Load (re)reads the ignore files in the folder root. Missing files are
// skipped.
func (f *Filter) Load() {
	rules := make(map[string]*gitignore.GitIgnore)
	for _, name := range IgnoreFiles {
		data, err := afero.ReadFile(f.fs, name)
		if err != nil {
			continue
		}

		var lines []string
		scanner := bufio.NewScanner(bytes.NewReader(data))
		for scanner.Scan() {
			if line := scanner.Text(); strings.TrimSpace(line) != "" {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.logger.Warn("ignore file read", "file", name, "error", err)
			continue
		}
		rules[name] = gitignore.CompileIgnoreLines(lines...)
		f.logger.Debug("ignore file loaded", "file", name, "rules", len(lines))
	}
	f.mu.Lock()
	f.rules = rules
	f.mu.Unlock()
}

// IsIgnoreFile reports whether relPath is one of the files Load reads.
func (f *Filter) IsIgnoreFile(relPath string) bool {
	for _, name := range IgnoreFiles {
		if relPath == name {
			return true
		}
	}
	return false
}

// PathInfo reports whether relPath is synced and, if not, why.
func (f *Filter) PathInfo(relPath string, fileType pathindex.FileType) pathindex.Acceptance {
	relPath = path.Clean(relPath)
	candidates := []string{relPath}
	if fileType == pathindex.FileTypeDirectory {
		candidates = append(candidates, relPath+"/")
	}

	for _, p := range candidates {
		if f.defaults.MatchesPath(p) {
			return pathindex.Reject(ReasonDefault)
		}
	}
	f.mu.RLock()
	loaded := f.rules
	f.mu.RUnlock()
	for _, name := range IgnoreFiles {
		rules, ok := loaded[name]
		if !ok {
			continue
		}
		for _, p := range candidates {
			if rules.MatchesPath(p) {
				return pathindex.Reject("ignored by " + name)
			}
		}
	}
	for _, pattern := range f.excludes {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return pathindex.Reject("excluded by " + pattern)
		}
	}
	if fileType == pathindex.FileTypeOther {
		return pathindex.Reject("not a regular file")
	}
	return pathindex.Accept()
}
