// Package registry holds the last-known state of every tracked agent.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"skyrelay/telemetry-server/internal/model"
)

// Persister stores agent records outside the process.
type Persister interface {
	UpsertAgent(ctx context.Context, a model.AgentRecord) error
	Agents(ctx context.Context) ([]model.AgentRecord, error)
}

// Config holds the registry dependencies.
type Config struct {
	Clock            clock.Clock
	Logger           *slog.Logger
	Persister        Persister
	OfflineThreshold time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if c.Persister == nil {
		return errors.NotValidf("nil Persister")
	}
	return nil
}

// Registry is the current-state cache of agents. Records are written through
// to the persister; liveness is never stored, it is computed on every read.
type Registry struct {
	clock     clock.Clock
	logger    *slog.Logger
	persist   Persister
	threshold time.Duration

	mu     sync.RWMutex
	agents map[string]model.AgentRecord
}

// New returns an empty registry.
func New(cfg Config) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	threshold := cfg.OfflineThreshold
	if threshold <= 0 {
		threshold = model.OfflineThreshold
	}
	return &Registry{
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "registry"),
		persist:   cfg.Persister,
		threshold: threshold,
		agents:    make(map[string]model.AgentRecord),
	}, nil
}

// Load replaces the cache with the persisted records.
func (r *Registry) Load(ctx context.Context) error {
	records, err := r.persist.Agents(ctx)
	if err != nil {
		return errors.Annotate(err, "load agents")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]model.AgentRecord, len(records))
	for _, rec := range records {
		r.agents[rec.ID] = rec
	}
	r.logger.Info("agent registry loaded", "agents", len(records))
	return nil
}

// ApplyReading marks the agent as seen now and merges the reading's metrics,
// position and status. Unknown agents are created.
func (r *Registry) ApplyReading(ctx context.Context, reading model.Reading) (model.Agent, error) {
	return r.update(ctx, reading.DroneID, func(rec *model.AgentRecord) {
		rec.Metrics = reading.Metrics()
		rec.Position = reading.Position()
		rec.Status = reading.Status
	})
}

// ApplyStatus marks the agent as seen now and updates its name and status
// when they are given.
func (r *Registry) ApplyStatus(ctx context.Context, id, name string, status model.Status) (model.Agent, error) {
	return r.update(ctx, id, func(rec *model.AgentRecord) {
		if name != "" {
			rec.Name = name
		}
		if status != "" {
			rec.Status = status
		}
	})
}

func (r *Registry) update(ctx context.Context, id string, mutate func(*model.AgentRecord)) (model.Agent, error) {
	if id == "" {
		return model.Agent{}, errors.NotValidf("empty agent id")
	}
	now := r.clock.Now().UTC()

	r.mu.Lock()
	rec, ok := r.agents[id]
	if !ok {
		rec = model.AgentRecord{ID: id, Name: id, Status: model.StatusStandby}
		r.logger.Info("new agent discovered", "agent", id)
	}
	mutate(&rec)
	rec.LastSeen = now
	r.agents[id] = rec
	r.mu.Unlock()

	view := rec.View(now, r.threshold)
	if err := r.persist.UpsertAgent(ctx, rec); err != nil {
		return view, errors.Annotatef(err, "persist agent %q", id)
	}
	return view, nil
}

// Agent returns the current view of one agent.
func (r *Registry) Agent(id string) (model.Agent, error) {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return model.Agent{}, errors.NotFoundf("agent %q", id)
	}
	return rec.View(r.clock.Now(), r.threshold), nil
}

// Agents returns the current view of every agent ordered by ID.
func (r *Registry) Agents() []model.Agent {
	now := r.clock.Now()

	r.mu.RLock()
	agents := make([]model.Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		agents = append(agents, rec.View(now, r.threshold))
	}
	r.mu.RUnlock()

	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// IsOnline reports whether the agent exists and was seen within the threshold.
func (r *Registry) IsOnline(id string) bool {
	agent, err := r.Agent(id)
	return err == nil && agent.IsOnline
}
