// Package policy supplies the vision standards and architecture entities the
// evaluator checks work against, behind a per-instance TTL cache.
package policy

import "context"

// Standard is a project-wide vision standard.
type Standard struct {
	ID          string   `yaml:"id" json:"id"`
	Title       string   `yaml:"title" json:"title"`
	Description string   `yaml:"description" json:"description"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Entity is a named architectural component with its relations.
type Entity struct {
	Name        string   `yaml:"name" json:"name"`
	Kind        string   `yaml:"kind" json:"kind"`
	Description string   `yaml:"description" json:"description"`
	Relations   []string `yaml:"relations,omitempty" json:"relations,omitempty"`
}

// Match kinds.
const (
	KindVision       = "vision"
	KindArchitecture = "architecture"
)

// Match is one search hit.
type Match struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Source is the memory/policy service.
type Source interface {
	VisionStandards(ctx context.Context) ([]Standard, error)
	ArchitectureEntities(ctx context.Context) ([]Entity, error)
	Search(ctx context.Context, query string) ([]Match, error)
}
