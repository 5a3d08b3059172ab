// Package plan defines the structured document the planner LLM
// produces and the Decomposer consumes: a task list, optionally
// grouped into phases, with dependencies expressed as global task
// indices.
package plan

import (
	"encoding/json"
	"strings"

	"github.com/user/taskforge/internal/apperr"
)

// TaskSpec is one task as the planner describes it, before it becomes
// a row in storage.
type TaskSpec struct {
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	TaskType             string   `json:"task_type"`
	Complexity           string   `json:"complexity"`
	Priority             int      `json:"priority"`
	DependsOn            []int    `json:"depends_on"`
	Tools                []string `json:"tools,omitempty"`
	VerificationCriteria string   `json:"verification_criteria,omitempty"`
	AffectedFiles        []string `json:"affected_files,omitempty"`
	RequirementIDs       []string `json:"requirement_ids,omitempty"`
}

type Phase struct {
	Name  string     `json:"name"`
	Tasks []TaskSpec `json:"tasks"`
}

// Document is the parsed plan. Either Tasks (flat, rigor L1) or
// Phases (L2/L3) is populated; the extra L2/L3 sections ride along
// for the UI and are not needed by decomposition.
type Document struct {
	Summary       string     `json:"summary"`
	Tasks         []TaskSpec `json:"tasks,omitempty"`
	Phases        []Phase    `json:"phases,omitempty"`
	OpenQuestions []string   `json:"open_questions,omitempty"`
	Risks         []string   `json:"risks,omitempty"`
	TestStrategy  string     `json:"test_strategy,omitempty"`
}

// FlatTask is a TaskSpec annotated with its phase label and its
// global index across all phases. Dependency indices in the plan are
// global, so flattening must preserve position.
type FlatTask struct {
	TaskSpec
	Phase string
	Index int
}

// Flatten returns the plan's tasks in global-index order, whether the
// document was flat or phase-grouped.
func (d *Document) Flatten() []FlatTask {
	var out []FlatTask
	idx := 0
	if len(d.Phases) > 0 {
		for _, ph := range d.Phases {
			for _, t := range ph.Tasks {
				out = append(out, FlatTask{TaskSpec: t, Phase: ph.Name, Index: idx})
				idx++
			}
		}
		return out
	}
	for _, t := range d.Tasks {
		out = append(out, FlatTask{TaskSpec: t, Index: idx})
		idx++
	}
	return out
}

// Parse decodes a plan document from raw LLM output, extracting the
// first balanced JSON object if the model wrapped it in prose.
func Parse(raw string) (*Document, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apperr.PlanParsef("planner returned an empty response")
	}

	jsonText := raw
	if !strings.HasPrefix(raw, "{") {
		extracted, ok := ExtractJSON(raw)
		if !ok {
			return nil, apperr.PlanParsef("no JSON object found in planner response")
		}
		jsonText = extracted
	}

	var doc Document
	if err := json.Unmarshal([]byte(jsonText), &doc); err != nil {
		// The response may start with a brace but still carry trailing
		// prose; try balanced extraction before giving up.
		if extracted, ok := ExtractJSON(raw); ok {
			if err2 := json.Unmarshal([]byte(extracted), &doc); err2 == nil {
				return validated(&doc)
			}
		}
		return nil, apperr.PlanParsef("planner response is not valid JSON: %v", err)
	}
	return validated(&doc)
}

func validated(doc *Document) (*Document, error) {
	flat := doc.Flatten()
	if len(flat) == 0 {
		return nil, apperr.PlanParsef("plan contains no tasks")
	}
	for _, t := range flat {
		if strings.TrimSpace(t.Title) == "" {
			return nil, apperr.PlanParsef("task %d has no title", t.Index)
		}
		for _, dep := range t.DependsOn {
			if dep < 0 || dep >= len(flat) {
				return nil, apperr.PlanParsef("task %q depends on out-of-range index %d", t.Title, dep)
			}
			if dep == t.Index {
				return nil, apperr.CycleDetectedf("task %q depends on itself", t.Title)
			}
		}
	}
	return doc, nil
}

// ExtractJSON scans for the first balanced top-level JSON object,
// respecting string literals and escapes, and returns it verbatim.
func ExtractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
