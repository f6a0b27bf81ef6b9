package pipeline

import (
	"fmt"
	"time"

	"github.com/cortexhub/tiergate/internal/nodeclient"
	"github.com/cortexhub/tiergate/internal/registry"
)

// Stage is one step of the build pipeline.
type Stage struct {
	Name string
	Op   nodeclient.StageOp
	Tier int
	// Produces is the artifact level written on success; Requires is the level that must exist first.
	Produces int
	Requires int
}

// Stages returns the pipeline in execution order.
func Stages() []Stage {
	return []Stage{
		{Name: "ingest", Op: nodeclient.StageIngest, Tier: registry.TierFull, Produces: 1},
		{Name: "summarize_l1", Op: nodeclient.StageSummarizeL1, Tier: registry.TierModerate, Produces: 2, Requires: 1},
		{Name: "summarize_l2", Op: nodeclient.StageSummarizeL2, Tier: registry.TierUltra, Produces: 3, Requires: 2},
	}
}

// StageByName looks up a stage.
func StageByName(name string) (Stage, error) {
	for _, s := range Stages() {
		if s.Name == name {
			return s, nil
		}
	}
	return Stage{}, fmt.Errorf("unknown stage %q", name)
}

// Artifact records that a stage's output exists on its node. Content is never stored here.
type Artifact struct {
	Level            int            `json:"level"`
	Source           string         `json:"source"`
	Node             string         `json:"node"`
	CompressionRatio float64        `json:"compression_ratio"`
	CreatedAt        time.Time      `json:"created_at"`
	RunID            string         `json:"run_id,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// SourceFor names what an artifact level derives from.
func SourceFor(level int) string {
	if level <= 1 {
		return "raw"
	}
	return fmt.Sprintf("L%d", level-1)
}

// StageStatus is the outcome of one stage in a run.
type StageStatus string

const (
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// StageOutcome reports one stage of a run.
type StageOutcome struct {
	Name     string
	Node     string
	Status   StageStatus
	Detail   string
	Err      error
	Metadata map[string]any
	Artifact *Artifact
	Duration time.Duration
}

// Overall summarizes a run.
type Overall string

const (
	OverallSuccess Overall = "success"
	OverallPartial Overall = "partial"
	OverallFailed  Overall = "failed"
)

// RunResult enumerates every stage of a run, so partial progress is never reported as total failure.
type RunResult struct {
	RunID      string
	Stages     []StageOutcome
	Overall    Overall
	StartedAt  time.Time
	FinishedAt time.Time
}

func overallOf(stages []StageOutcome) Overall {
	succeeded := 0
	for _, s := range stages {
		if s.Status == StageSuccess {
			succeeded++
		}
	}
	switch {
	case succeeded == len(stages):
		return OverallSuccess
	case succeeded == 0:
		return OverallFailed
	default:
		return OverallPartial
	}
}
