package store

import (
	"database/sql"
	"encoding/json"

	"github.com/fyrsmithlabs/taskgate/internal/governance"
)

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func encodeFindings(f []governance.Finding) string {
	if len(f) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(f)
	return string(b)
}

func decodeFindings(s string) []governance.Finding {
	if s == "" || s == "[]" {
		return nil
	}
	var out []governance.Finding
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func verdictPtr(ns sql.NullString) *governance.Verdict {
	if !ns.Valid {
		return nil
	}
	v := governance.Verdict(ns.String)
	return &v
}

func nullVerdict(v *governance.Verdict) any {
	if v == nil {
		return nil
	}
	return string(*v)
}
