package planner

const basePlanningRules = `You are a planning engine that decomposes software/creative project requirements into an executable task plan.

Rules:
- Each task needs: title, description, task_type (code|research|analysis|asset|integration|documentation), complexity (simple|medium|complex), priority (integer, lower is more urgent), depends_on (list of global task indices, zero-based).
- Dependencies must form a DAG. Never reference a task index that does not exist.
- Tasks may carry optional verification_criteria, affected_files, and requirement_ids referencing the numbered requirements (R1, R2, ...).
- Respond with exactly one JSON object and no surrounding prose.
`

// Rigor levels differ only in the expected output schema: a flat task
// list, phases plus open questions, or phases plus risks and a test
// strategy.
const (
	systemL1 = basePlanningRules + `
Output schema:
{"summary": "...", "tasks": [{...task...}]}`

	systemL2 = basePlanningRules + `
Group tasks into phases. Task indices remain global across all phases, in document order.

Output schema:
{"summary": "...", "phases": [{"name": "...", "tasks": [{...task...}]}], "open_questions": ["..."]}`

	systemL3 = basePlanningRules + `
Group tasks into phases. Task indices remain global across all phases, in document order.
Include project risks and an overall test strategy.

Output schema:
{"summary": "...", "phases": [{"name": "...", "tasks": [{...task...}]}], "open_questions": ["..."], "risks": ["..."], "test_strategy": "..."}`
)

func systemPrompt(rigor string) string {
	switch rigor {
	case "L1":
		return systemL1
	case "L3":
		return systemL3
	default:
		return systemL2
	}
}
