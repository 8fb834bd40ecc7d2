package autograder

import (
	"context"
	"time"
)

// Phase is the coarse progress of one autograder run.
type Phase string

const (
	PhaseChecking  Phase = "checking"
	PhaseCompiling Phase = "compiling"
	PhaseRunning   Phase = "running"
	PhaseFinished  Phase = "finished"
)

// StatusUpdate is an intermediate progress report.
type StatusUpdate struct {
	RunID      string  `json:"runId"`
	Autograder string  `json:"autograder"`
	Phase      Phase   `json:"phase"`
	TotalTests int     `json:"totalTests"`
	DoneTests  int     `json:"doneTests"`
	Score      float64 `json:"score"`
	UpdatedAt  int64   `json:"updatedAt"`
}

// StatusReporter receives progress updates. Errors are logged and otherwise
// ignored by the autograder.
type StatusReporter interface {
	ReportStatus(ctx context.Context, update StatusUpdate) error
}

func (a *Autograder) reportStatus(ctx context.Context, phase Phase, done int) {
	if a.statusReporter == nil {
		return
	}
	err := a.statusReporter.ReportStatus(ctx, StatusUpdate{
		RunID:      a.cfg.RunID,
		Autograder: a.cfg.Name,
		Phase:      phase,
		TotalTests: len(a.tests),
		DoneTests:  done,
		Score:      a.rubric.Score(),
		UpdatedAt:  time.Now().Unix(),
	})
	if err != nil {
		a.logStatusError(ctx, phase, err)
	}
}
