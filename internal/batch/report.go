package batch

import "github.com/stereoforge/pairbatch/internal/pipeline"

// Report accumulates the outcomes of one run in manifest order.
type Report struct {
	RunID    string
	Outcomes []pipeline.Outcome

	Succeeded int
	Skipped   int
	Failed    int
}

func (r *Report) add(outcome pipeline.Outcome) {
	r.Outcomes = append(r.Outcomes, outcome)
	switch outcome.Kind {
	case pipeline.OutcomeSuccess:
		r.Succeeded++
	case pipeline.OutcomeSkippedMissingInput:
		r.Skipped++
	default:
		r.Failed++
	}
}

// Kinds lists the outcome kinds in manifest order.
func (r Report) Kinds() []pipeline.OutcomeKind {
	kinds := make([]pipeline.OutcomeKind, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		kinds = append(kinds, o.Kind)
	}
	return kinds
}

// Outcome returns the outcome recorded for pairID.
func (r Report) Outcome(pairID string) (pipeline.Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.PairID == pairID {
			return o, true
		}
	}
	return pipeline.Outcome{}, false
}
