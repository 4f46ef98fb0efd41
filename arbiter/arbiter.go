// Package arbiter owns accelerator residency for the two inference
// pipelines. The counting detector and the defect pipeline never fit in
// memory together, so every load and unload decision is serialized here;
// no other component may load or unload either pipeline directly.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stackcam/stats"
)

// PipelineID identifies one of the two mutually exclusive pipelines.
type PipelineID int

const (
	// PipelineCounting is the lightweight real-time sheet detector.
	PipelineCounting PipelineID = iota
	// PipelineDefect is the heavy locator + segmenter pair.
	PipelineDefect
)

// String returns the pipeline name.
func (p PipelineID) String() string {
	switch p {
	case PipelineCounting:
		return "counting"
	case PipelineDefect:
		return "defect"
	default:
		return fmt.Sprintf("pipeline(%d)", int(p))
	}
}

func (p PipelineID) opposite() PipelineID {
	if p == PipelineCounting {
		return PipelineDefect
	}
	return PipelineCounting
}

var (
	// ErrUnknownPipeline is returned for an unregistered pipeline ID.
	ErrUnknownPipeline = errors.New("arbiter: unknown pipeline")
	// ErrLeaseConflict is returned when a pipeline is acquired while a live
	// lease for the same pipeline is still outstanding.
	ErrLeaseConflict = errors.New("arbiter: pipeline lease already held")
	// ErrResourceBusy is returned by TryAcquire when the opposing pipeline
	// holds a live lease; unlike Acquire it never preempts.
	ErrResourceBusy = errors.New("arbiter: opposing pipeline lease is live")
	// ErrOutOfMemory is returned when a load fails after the opposing
	// pipeline was cleanly unloaded, or when a pipeline's footprint exceeds
	// the budget outright. Never retried here; retry policy belongs to the
	// caller.
	ErrOutOfMemory = errors.New("arbiter: out of memory")
	// ErrLeaseInvalidated marks a lease revoked by an opposing acquire.
	ErrLeaseInvalidated = errors.New("arbiter: lease invalidated by opposing acquire")
)

// Loader loads and unloads one pipeline's models. Implementations must
// tolerate Unload without a prior Load.
type Loader interface {
	Load(ctx context.Context) error
	Unload() error
	// MemoryMB is the pipeline's estimated resident footprint.
	MemoryMB() int64
}

// Lease represents exclusive residency of one pipeline. Holders must check
// Valid before each use: an opposing Acquire revokes outstanding leases.
type Lease struct {
	id         string
	pipeline   PipelineID
	acquiredAt time.Time
	revoked    atomic.Bool
}

// Pipeline returns the pipeline this lease covers.
func (l *Lease) Pipeline() PipelineID { return l.pipeline }

// AcquiredAt returns when the lease was granted.
func (l *Lease) AcquiredAt() time.Time { return l.acquiredAt }

// Valid reports whether the lease still grants residency.
func (l *Lease) Valid() bool { return !l.revoked.Load() }

// Err returns ErrLeaseInvalidated once the lease has been revoked.
func (l *Lease) Err() error {
	if l.revoked.Load() {
		return ErrLeaseInvalidated
	}
	return nil
}

// Arbiter serializes all load/unload decisions under one critical section.
type Arbiter struct {
	mu       sync.Mutex
	loaders  map[PipelineID]Loader
	live     map[PipelineID]*Lease
	resident map[PipelineID]bool
	budgetMB int64
	metrics  *stats.Stats
}

// New creates an arbiter enforcing the given memory budget. metrics may be
// nil.
func New(budgetMB int64, metrics *stats.Stats) *Arbiter {
	return &Arbiter{
		loaders:  make(map[PipelineID]Loader),
		live:     make(map[PipelineID]*Lease),
		resident: make(map[PipelineID]bool),
		budgetMB: budgetMB,
		metrics:  metrics,
	}
}

// Register binds a loader to a pipeline ID. Must happen before any acquire.
func (a *Arbiter) Register(id PipelineID, l Loader) {
	a.mu.Lock()
	a.loaders[id] = l
	a.mu.Unlock()
}

// Acquire grants a lease on the pipeline, synchronously unloading the
// opposing pipeline first if it is resident. A live opposing lease is
// revoked; its holder must observe the revocation and stand down. Acquiring
// an already-resident pipeline with no outstanding lease returns immediately
// without a reload.
func (a *Arbiter) Acquire(ctx context.Context, id PipelineID) (*Lease, error) {
	return a.acquire(ctx, id, true)
}

// TryAcquire is Acquire without preemption: if the opposing pipeline holds a
// live lease it fails with ErrResourceBusy instead of revoking it. The
// counting loop uses this to re-enter politely after defect analysis.
func (a *Arbiter) TryAcquire(ctx context.Context, id PipelineID) (*Lease, error) {
	return a.acquire(ctx, id, false)
}

func (a *Arbiter) acquire(ctx context.Context, id PipelineID, preempt bool) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	loader, ok := a.loaders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, id)
	}
	if a.live[id] != nil {
		return nil, fmt.Errorf("%w: %s", ErrLeaseConflict, id)
	}

	opp := id.opposite()
	if held := a.live[opp]; held != nil {
		if !preempt {
			return nil, fmt.Errorf("%w: %s", ErrResourceBusy, opp)
		}
		held.revoked.Store(true)
		a.live[opp] = nil
		log.Warn().Str("pipeline", opp.String()).Msg("lease revoked by opposing acquire")
	}
	if a.resident[opp] {
		if err := a.unloadLocked(opp); err != nil {
			return nil, fmt.Errorf("unload %s before %s: %w", opp, id, err)
		}
	}

	if !a.resident[id] {
		if need := loader.MemoryMB(); a.budgetMB > 0 && need > a.budgetMB {
			return nil, fmt.Errorf("%s needs %dMB of %dMB budget: %w", id, need, a.budgetMB, ErrOutOfMemory)
		}
		start := time.Now()
		if err := loader.Load(ctx); err != nil {
			return nil, fmt.Errorf("load %s after clean swap (%v): %w", id, err, ErrOutOfMemory)
		}
		a.resident[id] = true
		if a.metrics != nil {
			a.metrics.ModelLoads.Add(1)
		}
		log.Info().Str("pipeline", id.String()).Dur("took", time.Since(start)).Msg("pipeline loaded")
	}

	lease := &Lease{
		id:         uuid.New().String(),
		pipeline:   id,
		acquiredAt: time.Now(),
	}
	a.live[id] = lease
	return lease, nil
}

func (a *Arbiter) unloadLocked(id PipelineID) error {
	loader := a.loaders[id]
	if loader == nil || !a.resident[id] {
		return nil
	}
	if err := loader.Unload(); err != nil {
		return err
	}
	a.resident[id] = false
	if a.metrics != nil {
		a.metrics.ModelUnloads.Add(1)
	}
	log.Info().Str("pipeline", id.String()).Msg("pipeline unloaded")
	return nil
}

// Release marks the lease idle. The pipeline stays resident (warm) and is
// only unloaded lazily by the next opposing acquire, which avoids thrashing
// when counting and analysis interleave. Releasing a revoked or stale lease
// is a no-op.
func (a *Arbiter) Release(l *Lease) {
	if l == nil {
		return
	}
	a.mu.Lock()
	if a.live[l.pipeline] == l {
		a.live[l.pipeline] = nil
	}
	a.mu.Unlock()
}

// Resident reports whether a pipeline's models are currently loaded.
func (a *Arbiter) Resident(id PipelineID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resident[id]
}

// Shutdown unloads everything still resident.
func (a *Arbiter) Shutdown() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, id := range []PipelineID{PipelineCounting, PipelineDefect} {
		if err := a.unloadLocked(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
