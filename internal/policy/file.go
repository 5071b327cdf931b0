package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk policy file.
type Document struct {
	VisionStandards      []Standard `yaml:"vision_standards"`
	ArchitectureEntities []Entity   `yaml:"architecture_entities"`
}

// FileSource reads a YAML Document on every call. Put a Cache in front of it.
// A missing file is an empty policy.
type FileSource struct {
	path string
}

// NewFileSource returns a Source backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the policy file path.
func (f *FileSource) Path() string {
	return f.path
}

func (f *FileSource) read() (*Document, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", f.path, err)
	}
	return &doc, nil
}

// VisionStandards implements Source.
func (f *FileSource) VisionStandards(ctx context.Context) ([]Standard, error) {
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return doc.VisionStandards, nil
}

// ArchitectureEntities implements Source.
func (f *FileSource) ArchitectureEntities(ctx context.Context) ([]Entity, error) {
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	return doc.ArchitectureEntities, nil
}

// Search matches query case-insensitively against names, titles and
// descriptions. An empty query matches nothing.
func (f *FileSource) Search(ctx context.Context, query string) ([]Match, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil, nil
	}
	doc, err := f.read()
	if err != nil {
		return nil, err
	}
	contains := func(fields ...string) bool {
		for _, s := range fields {
			if strings.Contains(strings.ToLower(s), q) {
				return true
			}
		}
		return false
	}

	var out []Match
	for _, s := range doc.VisionStandards {
		if contains(s.ID, s.Title, s.Description) {
			out = append(out, Match{Kind: KindVision, Name: s.Title, Description: s.Description})
		}
	}
	for _, e := range doc.ArchitectureEntities {
		if contains(e.Name, e.Description) {
			out = append(out, Match{Kind: KindArchitecture, Name: e.Name, Description: e.Description})
		}
	}
	return out, nil
}
