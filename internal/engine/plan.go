package engine

import "fmt"

// PlanStep describes one node of the pipeline graph.
type PlanStep struct {
	Name        string   `json:"name"`
	Kind        StepKind `json:"kind"`
	Level       int      `json:"level"`
	Parents     []string `json:"parents,omitempty"`
	Location    string   `json:"location"`
	PartitionBy []string `json:"partition_by,omitempty"`
}

// Plan is the execution order of a run, computed without touching the
// database or any input.
type Plan struct {
	Input  string     `json:"input"`
	Output string     `json:"output"`
	Levels [][]string `json:"levels"`
	Steps  []PlanStep `json:"steps"`
}

// Plan returns the levels and steps a run would execute.
func (e *Engine) Plan() (*Plan, error) {
	levels, err := e.graph.Levels()
	if err != nil {
		return nil, err
	}

	p := &Plan{Input: e.input.String(), Output: e.output.String(), Levels: levels}
	for i, level := range levels {
		for _, id := range level {
			n, ok := e.graph.Node(id)
			if !ok {
				return nil, fmt.Errorf("unknown step %q", id)
			}
			p.Steps = append(p.Steps, PlanStep{
				Name:        id,
				Kind:        n.Data.kind,
				Level:       i,
				Parents:     e.graph.Parents(id),
				Location:    n.Data.location.String(),
				PartitionBy: n.Data.model.PartitionBy,
			})
		}
	}
	return p, nil
}
