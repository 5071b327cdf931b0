// Package secrets redacts credentials from text before it leaves the process,
// using the gitleaks rule set plus an optional TOML allowlist.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidRegex indicates an allowlist pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Allowlist holds content and path patterns excluded from detection. The
// file format matches the [allowlist] table of .gitleaks.toml.
type Allowlist struct {
	Paths   []string `toml:"paths"`
	Regexes []string `toml:"regexes"`
}

// LoadAllowlist reads path. A missing file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	var doc struct {
		Allowlist Allowlist `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	if err := doc.Allowlist.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &doc.Allowlist, nil
}

func (a *Allowlist) validate() error {
	for _, group := range [][]string{a.Paths, a.Regexes} {
		for _, p := range group {
			if _, err := regexp.Compile(p); err != nil {
				return fmt.Errorf("%w %q: %v", ErrInvalidRegex, p, err)
			}
		}
	}
	return nil
}
