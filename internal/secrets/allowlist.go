package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist holds content patterns that are never redacted.
type Allowlist struct {
	Regexes []string
}

// LoadAllowlist reads a gitleaks-style TOML file:
//
//	[allowlist]
//	regexes = ['''example-token-[0-9]+''']
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}

	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}
	return &Allowlist{Regexes: file.Allowlist.Regexes}, nil
}

func (a *Allowlist) compile() []*regexp.Regexp {
	if a == nil {
		return nil
	}
	out := make([]*regexp.Regexp, 0, len(a.Regexes))
	for _, p := range a.Regexes {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}
