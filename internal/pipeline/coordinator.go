// Package pipeline runs the ingest and summarization stages across the tier
// nodes in dependency order. A stage runs only once the artifact it derives
// from is confirmed in the ledger. Completed stages are never rolled back.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/cortexhub/tiergate/internal/health"
	"github.com/cortexhub/tiergate/internal/metrics"
	"github.com/cortexhub/tiergate/internal/nodeclient"
	"github.com/cortexhub/tiergate/internal/registry"
)

// journalTimeout bounds one journal write. Writes outlive the caller's context.
const journalTimeout = 5 * time.Second

// Aliases so callers can branch without importing nodeclient.
var (
	ErrDependencyMissing = nodeclient.ErrDependencyMissing
	ErrStageBusy         = nodeclient.ErrStageBusy
)

// StageRunner invokes a stage endpoint on a node.
type StageRunner interface {
	RunStage(ctx context.Context, node registry.Node, op nodeclient.StageOp, body map[string]any) (*nodeclient.StageResult, error)
}

// SnapshotSource exposes the latest health snapshot.
type SnapshotSource interface {
	Snapshot() *health.Snapshot
}

// Options configures a Coordinator. Ledger and Locker default to in-memory implementations.
type Options struct {
	Ledger  Ledger
	Locker  Locker
	LockTTL time.Duration
	// Journal is optional.
	Journal Journal
	// Health with Preflight set fails stages whose node the last snapshot marks unreachable.
	Health    SnapshotSource
	Preflight bool
	Logger    zerolog.Logger
}

// Coordinator is safe for concurrent use. Concurrent runs are serialized per node by the Locker.
type Coordinator struct {
	reg       *registry.Registry
	runner    StageRunner
	ledger    Ledger
	locker    Locker
	lockTTL   time.Duration
	journal   Journal
	health    SnapshotSource
	preflight bool
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a coordinator. Every stage's tier must have a registered node.
func New(reg *registry.Registry, runner StageRunner, opts Options) (*Coordinator, error) {
	for _, s := range Stages() {
		if _, ok := reg.ByTier(s.Tier); !ok {
			return nil, fmt.Errorf("stage %s needs a tier %d node", s.Name, s.Tier)
		}
	}

	c := &Coordinator{
		reg:       reg,
		runner:    runner,
		ledger:    opts.Ledger,
		locker:    opts.Locker,
		lockTTL:   opts.LockTTL,
		journal:   opts.Journal,
		health:    opts.Health,
		preflight: opts.Preflight,
		logger:    opts.Logger,
		now:       time.Now,
	}
	if c.ledger == nil {
		c.ledger = NewMemoryLedger()
	}
	if c.locker == nil {
		c.locker = NewMemoryLocker()
	}
	if c.lockTTL <= 0 {
		c.lockTTL = 15 * time.Minute
	}
	return c, nil
}

// NewRunID returns a sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// RunAll executes every stage in order. After the first failure the remaining
// stages are reported as skipped.
func (c *Coordinator) RunAll(ctx context.Context, body map[string]any) *RunResult {
	res := &RunResult{RunID: NewRunID(), StartedAt: c.now().UTC()}
	c.logger.Info().Str("run_id", res.RunID).Msg("pipeline run started")

	failed := false
	for _, s := range Stages() {
		if failed {
			node, _ := c.reg.ByTier(s.Tier)
			out := StageOutcome{Name: s.Name, Node: node.ID, Status: StageSkipped, Detail: "previous stage failed"}
			c.finish(ctx, res.RunID, s, out)
			res.Stages = append(res.Stages, out)
			continue
		}

		// Only the first stage takes the caller's parameters.
		var stageBody map[string]any
		if s.Requires == 0 {
			stageBody = body
		}
		out := c.run(ctx, res.RunID, s, stageBody)
		res.Stages = append(res.Stages, out)
		if out.Status != StageSuccess {
			failed = true
		}
	}

	res.Overall = overallOf(res.Stages)
	res.FinishedAt = c.now().UTC()
	c.logger.Info().
		Str("run_id", res.RunID).
		Str("overall", string(res.Overall)).
		Dur("elapsed", res.FinishedAt.Sub(res.StartedAt)).
		Msg("pipeline run finished")
	return res
}

// RunStage executes a single named stage. The returned error is nil only on success.
func (c *Coordinator) RunStage(ctx context.Context, name string, body map[string]any) (StageOutcome, error) {
	s, err := StageByName(name)
	if err != nil {
		return StageOutcome{Name: name, Status: StageFailed, Detail: err.Error(), Err: err}, err
	}
	out := c.run(ctx, NewRunID(), s, body)
	return out, out.Err
}

// Artifacts returns the confirmed artifacts by level.
func (c *Coordinator) Artifacts(ctx context.Context) (map[int]Artifact, error) {
	out := make(map[int]Artifact)
	for _, s := range Stages() {
		a, ok, err := c.ledger.Get(ctx, s.Produces)
		if err != nil {
			return nil, err
		}
		if ok {
			out[s.Produces] = a
		}
	}
	return out, nil
}

func (c *Coordinator) run(ctx context.Context, runID string, s Stage, body map[string]any) StageOutcome {
	start := c.now()
	node, _ := c.reg.ByTier(s.Tier)
	out := StageOutcome{Name: s.Name, Node: node.ID}

	fail := func(err error) StageOutcome {
		out.Status = StageFailed
		out.Err = err
		out.Detail = err.Error()
		out.Duration = c.now().Sub(start)
		c.finish(ctx, runID, s, out)
		return out
	}

	if err := c.checkDependency(ctx, s, node); err != nil {
		return fail(err)
	}
	if err := c.checkPreflight(s, node); err != nil {
		return fail(err)
	}

	unlock, err := c.locker.TryLock(ctx, node.ID, c.lockTTL)
	if err != nil {
		var f *nodeclient.Failure
		if errors.As(err, &f) {
			f.Op = string(s.Op)
		}
		return fail(err)
	}
	defer unlock()

	c.logger.Info().Str("run_id", runID).Str("stage", s.Name).Str("node", node.ID).Msg("stage started")

	result, err := c.runner.RunStage(ctx, node, s.Op, body)
	if err != nil {
		return fail(err)
	}

	artifact := Artifact{
		Level:            s.Produces,
		Source:           SourceFor(s.Produces),
		Node:             node.ID,
		CompressionRatio: node.CompressionRatio,
		CreatedAt:        c.now().UTC(),
		RunID:            runID,
		Metadata:         result.Metadata,
	}
	if r, ok := result.Metadata["compression_ratio"].(float64); ok && r > 0 {
		artifact.CompressionRatio = r
	}
	if err := c.ledger.Put(ctx, artifact); err != nil {
		return fail(fmt.Errorf("stage succeeded but artifact was not recorded: %w", err))
	}

	out.Status = StageSuccess
	out.Detail = result.Status
	out.Metadata = result.Metadata
	out.Artifact = &artifact
	out.Duration = c.now().Sub(start)
	c.finish(ctx, runID, s, out)
	return out
}

func (c *Coordinator) checkDependency(ctx context.Context, s Stage, node registry.Node) error {
	if s.Requires == 0 {
		return nil
	}
	_, ok, err := c.ledger.Get(ctx, s.Requires)
	if err != nil {
		return fmt.Errorf("artifact ledger: %w", err)
	}
	if !ok {
		return nodeclient.NewFailure(nodeclient.KindDependencyMissing, node.ID, string(s.Op),
			fmt.Errorf("L%d artifact not confirmed", s.Requires))
	}
	return nil
}

func (c *Coordinator) checkPreflight(s Stage, node registry.Node) error {
	if !c.preflight || c.health == nil {
		return nil
	}
	up, known := c.health.Snapshot().Reachable(node.ID)
	if known && !up {
		return nodeclient.NewFailure(nodeclient.KindUnreachable, node.ID, string(s.Op),
			errors.New("marked unreachable by last health check"))
	}
	return nil
}

// finish logs, counts and journals a stage outcome.
func (c *Coordinator) finish(ctx context.Context, runID string, s Stage, out StageOutcome) {
	metrics.PipelineStages.WithLabelValues(s.Name, string(out.Status)).Inc()

	ev := c.logger.Info()
	if out.Status == StageFailed {
		ev = c.logger.Error().Str("kind", string(nodeclient.KindOf(out.Err)))
	}
	ev.Str("run_id", runID).
		Str("stage", s.Name).
		Str("node", out.Node).
		Str("status", string(out.Status)).
		Dur("elapsed", out.Duration).
		Str("detail", out.Detail).
		Msg("stage finished")

	if c.journal == nil {
		return
	}
	e := Event{RunID: runID, Stage: s.Name, Node: out.Node, Status: out.Status, Detail: out.Detail, At: c.now().UTC()}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := c.journal.Record(jctx, e); err != nil {
		c.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to journal stage event")
	}
}
