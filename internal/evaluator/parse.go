package evaluator

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
)

// ParseStatus tags the outcome of parsing evaluator output.
type ParseStatus string

const (
	ParseOK        ParseStatus = "ok"
	ParseMalformed ParseStatus = "malformed"
	ParseEmpty     ParseStatus = "empty"
)

// Response is the verdict document the evaluator is asked to print.
type Response struct {
	Verdict           string               `json:"verdict"`
	Findings          []governance.Finding `json:"findings,omitempty"`
	Guidance          string               `json:"guidance,omitempty"`
	StandardsVerified []string             `json:"standards_verified,omitempty"`
	// StandardsChecked is accepted as an alias some evaluator prompts produce.
	StandardsChecked []string `json:"standards_checked,omitempty"`
}

// ParseResult is the tagged result of Parse. Response is set only when
// Status is ParseOK; Raw always carries the trimmed input.
type ParseResult struct {
	Status   ParseStatus
	Response *Response
	// Attempt names the strategy that produced Response.
	Attempt string
	Raw     string
}

// Verdict returns the normalized verdict, or needs_human_review for any
// result that is not ok.
func (r ParseResult) Verdict() governance.Verdict {
	if r.Status != ParseOK || r.Response == nil {
		return governance.VerdictNeedsHumanReview
	}
	return governance.ParseVerdict(r.Response.Verdict)
}

type attempt struct {
	name string
	// extract returns candidate JSON text, or false when the strategy does
	// not apply to the input.
	extract func(string) (string, bool)
}

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\r?\n(.*?)```")

// attempts run in order; the first that yields a verdict document wins.
var attempts = []attempt{
	{name: "document", extract: func(s string) (string, bool) { return s, true }},
	{name: "fenced", extract: extractFenced},
	{name: "braces", extract: firstBalancedObject},
}

// maxEnvelopeDepth bounds unwrapping of CLI envelopes whose "result" field
// holds the model text.
const maxEnvelopeDepth = 2

// Parse extracts a verdict document from raw evaluator output.
func Parse(raw []byte) ParseResult {
	return parse(string(bytes.TrimSpace(raw)), 0)
}

func parse(text string, depth int) ParseResult {
	text = strings.TrimSpace(text)
	if text == "" {
		return ParseResult{Status: ParseEmpty}
	}
	for _, a := range attempts {
		candidate, ok := a.extract(text)
		if !ok {
			continue
		}
		resp, inner, ok := decode(candidate)
		if ok {
			return ParseResult{Status: ParseOK, Response: resp, Attempt: a.name, Raw: text}
		}
		if inner != "" && depth < maxEnvelopeDepth {
			if r := parse(inner, depth+1); r.Status == ParseOK {
				r.Attempt = "envelope/" + r.Attempt
				r.Raw = text
				return r
			}
		}
	}
	return ParseResult{Status: ParseMalformed, Raw: text}
}

// decode reports a verdict document, or the inner text of an envelope
// object carrying a string "result" field.
func decode(candidate string) (resp *Response, inner string, ok bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		return nil, "", false
	}
	if _, has := fields["verdict"]; has {
		var r Response
		if err := json.Unmarshal([]byte(candidate), &r); err != nil || strings.TrimSpace(r.Verdict) == "" {
			return nil, "", false
		}
		if len(r.StandardsVerified) == 0 {
			r.StandardsVerified = r.StandardsChecked
		}
		r.StandardsChecked = nil
		return &r, "", true
	}
	if rawResult, has := fields["result"]; has {
		var s string
		if err := json.Unmarshal(rawResult, &s); err == nil {
			return nil, s, false
		}
	}
	return nil, "", false
}

func extractFenced(s string) (string, bool) {
	m := fencePattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// firstBalancedObject scans for the first '{' whose matching '}' closes a
// span, honoring JSON string quoting and escapes.
func firstBalancedObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			switch {
			case escaped:
				escaped = false
			case inString && c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(s)
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}
