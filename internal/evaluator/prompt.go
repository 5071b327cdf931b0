package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/taskgate/internal/policy"
)

const maxSearchMatches = 10

var kindInstructions = map[Kind]string{
	KindDecision:   "Evaluate the architectural decision below against the vision standards and architecture entities.",
	KindPlan:       "Evaluate the implementation plan below before any work starts. Check that it fits the vision standards and the existing architecture.",
	KindCompletion: "Evaluate the completed work below. Check that what was delivered honours the vision standards and the architecture.",
	KindHolistic: "Evaluate the batch of tasks below as a whole. They were created together in one session. " +
		"Look for overlap, missing pieces and collective drift from the vision standards and the architecture.",
}

const responseContract = `Respond with a single JSON object and nothing else:
{"verdict": "approved" | "blocked" | "needs_human_review",
 "findings": [{"tier": "vision|architecture|quality", "severity": "critical|major|minor|info",
   "description": "...", "suggestion": "...", "strengths": ["..."], "salvage_guidance": "..."}],
 "guidance": "...",
 "standards_verified": ["<standard id>", "..."]}`

// buildPrompt renders the evaluator input document. Policy lookups that
// fail are reported in the document rather than aborting the evaluation.
func buildPrompt(ctx context.Context, src policy.Source, req Request) (string, error) {
	subject, err := json.MarshalIndent(req.subject(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding %s subject: %w", req.Kind, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Governance review: %s\n\n%s\n\n", req.Kind, kindInstructions[req.Kind])

	b.WriteString("## Vision standards\n\n")
	if src == nil {
		b.WriteString("(no policy source configured)\n")
	} else if standards, err := src.VisionStandards(ctx); err != nil {
		fmt.Fprintf(&b, "(unavailable: %v)\n", err)
	} else if len(standards) == 0 {
		b.WriteString("(none)\n")
	} else {
		for _, s := range standards {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", s.ID, s.Title, oneLine(s.Description))
		}
	}

	b.WriteString("\n## Architecture entities\n\n")
	if src == nil {
		b.WriteString("(no policy source configured)\n")
	} else if entities, err := src.ArchitectureEntities(ctx); err != nil {
		fmt.Fprintf(&b, "(unavailable: %v)\n", err)
	} else if len(entities) == 0 {
		b.WriteString("(none)\n")
	} else {
		for _, e := range entities {
			fmt.Fprintf(&b, "- %s (%s): %s", e.Name, e.Kind, oneLine(e.Description))
			if len(e.Relations) > 0 {
				fmt.Fprintf(&b, " [relations: %s]", strings.Join(e.Relations, ", "))
			}
			b.WriteString("\n")
		}
	}

	if q := strings.TrimSpace(req.searchQuery()); q != "" && src != nil {
		if matches, err := src.Search(ctx, q); err == nil && len(matches) > 0 {
			b.WriteString("\n## Related policy\n\n")
			for i, m := range matches {
				if i == maxSearchMatches {
					break
				}
				fmt.Fprintf(&b, "- %s/%s: %s\n", m.Kind, m.Name, oneLine(m.Description))
			}
		}
	}

	fmt.Fprintf(&b, "\n## Subject\n\n```json\n%s\n```\n\n## Response format\n\n%s\n", subject, responseContract)
	return b.String(), nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
