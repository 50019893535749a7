package workspace

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// SourceFile is one sanitized file included in the quality review prompt.
type SourceFile struct {
	Path      string
	Content   string
	Truncated bool
}

// DefaultFileCap is the per-file byte cap applied before truncation.
const DefaultFileCap = 10 * 1024

// TruncationMarker is appended to any file clipped at the byte cap.
const TruncationMarker = "\n[truncated]"

const maxCollectedFiles = 24

var defaultRootFiles = []string{"README.md", "README", "readme.md", "package.json", "Makefile"}

var defaultSourceDirs = []string{"src", "lib", "server", "app", "routes", "controllers", "models", "include", "cmd", "internal"}

var skippedDirs = map[string]struct{}{
	"node_modules": {},
	".git":         {},
	"dist":         {},
	"build":        {},
	"coverage":     {},
	"vendor":       {},
}

// CollectSources walks the workspace and returns a bounded, sanitized slice
// of source files for review. When globs is empty a documented default
// allowlist applies: README, the manifest, and common source directories.
// Binary files are excluded, control characters are stripped, and each file
// is clipped at capBytes with an explicit truncation marker.
func CollectSources(dir string, globs []string, capBytes int) []SourceFile {
	if capBytes <= 0 {
		capBytes = DefaultFileCap
	}

	var paths []string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		if d.IsDir() {
			if _, skip := skippedDirs[d.Name()]; skip && rel != "." {
				return filepath.SkipDir
			}
			return nil
		}
		if matchesAllowlist(rel, globs) {
			paths = append(paths, rel)
		}
		return nil
	})

	sort.Strings(paths)
	if len(paths) > maxCollectedFiles {
		paths = paths[:maxCollectedFiles]
	}

	files := make([]SourceFile, 0, len(paths))
	for _, rel := range paths {
		data, err := os.ReadFile(filepath.Join(dir, rel))
		if err != nil {
			continue
		}
		if mime := mimetype.Detect(data); !isTextual(mime.String()) {
			continue
		}

		truncated := false
		if len(data) > capBytes {
			data = data[:capBytes]
			truncated = true
		}

		content := stripControlChars(string(data))
		if truncated {
			content += TruncationMarker
		}

		files = append(files, SourceFile{Path: rel, Content: content, Truncated: truncated})
	}

	return files
}

func matchesAllowlist(rel string, globs []string) bool {
	if len(globs) > 0 {
		for _, glob := range globs {
			if ok, err := filepath.Match(glob, rel); err == nil && ok {
				return true
			}
			if ok, err := filepath.Match(glob, filepath.Base(rel)); err == nil && ok {
				return true
			}
		}
		return false
	}

	for _, name := range defaultRootFiles {
		if rel == name {
			return true
		}
	}

	top := strings.Split(filepath.ToSlash(rel), "/")[0]
	for _, dir := range defaultSourceDirs {
		if top == dir {
			return true
		}
	}

	return false
}

func isTextual(mime string) bool {
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch {
	case strings.Contains(mime, "json"),
		strings.Contains(mime, "javascript"),
		strings.Contains(mime, "xml"),
		strings.Contains(mime, "yaml"):
		return true
	default:
		return false
	}
}

func stripControlChars(content string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, content)
}
