package corpus

import (
	"bufio"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// IgnoreFile lists patterns, one per line, for corpus files that are never
// ingested. Syntax is a subset of gitignore: comments, trailing "/" for
// directories, and a leading "/" anchoring to the corpus root. Negations are
// not supported.
const IgnoreFile = ".ragignore"

// defaultIgnores apply whether or not the corpus has an ignore file.
var defaultIgnores = []string{".git/", "node_modules/", ".*.swp", "*~"}

type ignorePattern struct {
	glob     string
	dirOnly  bool
	anchored bool
}

// ignoreRules decides whether a path relative to the corpus root is excluded.
type ignoreRules struct {
	patterns []ignorePattern
}

// loadIgnoreRules reads root/.ragignore (if any) on top of the defaults.
func loadIgnoreRules(root string) (*ignoreRules, error) {
	r := &ignoreRules{}
	for _, line := range defaultIgnores {
		r.add(line)
	}

	f, err := os.Open(filepath.Join(root, IgnoreFile))
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		r.add(scanner.Text())
	}
	return r, scanner.Err()
}

func (r *ignoreRules) add(line string) {
	p, ok := parseIgnoreLine(line)
	if !ok {
		return
	}
	for _, existing := range r.patterns {
		if existing == p {
			return
		}
	}
	r.patterns = append(r.patterns, p)
}

func parseIgnoreLine(line string) (ignorePattern, bool) {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return ignorePattern{}, false
	}

	var p ignorePattern
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimRight(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = strings.TrimLeft(line, "/")
	}
	// A slash in the middle anchors the pattern too, as in gitignore.
	if strings.Contains(line, "/") {
		p.anchored = true
	}
	if line == "" {
		return ignorePattern{}, false
	}
	if _, err := path.Match(line, ""); err != nil {
		return ignorePattern{}, false
	}
	p.glob = line
	return p, true
}

// Ignored reports whether rel (slash-separated, relative to the corpus root)
// is excluded. A file is excluded when it or any parent directory matches.
func (r *ignoreRules) Ignored(rel string, isDir bool) bool {
	if r == nil || rel == "" || rel == "." {
		return false
	}
	segments := strings.Split(rel, "/")
	for i := range segments {
		// Every prefix except the full path names a directory.
		dir := i < len(segments)-1 || isDir
		prefix := strings.Join(segments[:i+1], "/")
		for _, p := range r.patterns {
			if p.dirOnly && !dir {
				continue
			}
			var matched bool
			if p.anchored {
				matched, _ = path.Match(p.glob, prefix)
			} else {
				matched, _ = path.Match(p.glob, segments[i])
			}
			if matched {
				return true
			}
		}
	}
	return false
}
