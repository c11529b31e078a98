package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ragadmin/backend/internal/metrics"
	"github.com/ragadmin/backend/internal/schema"
	"github.com/ragadmin/backend/internal/storage/models"
	"github.com/ragadmin/backend/pkg/logger"
)

// SchemaDiscoverer is the slice of the discoverer the coordinator drives.
type SchemaDiscoverer interface {
	DiscoverNamespace(ctx context.Context, namespace string) (*schema.DynamicSchema, error)
}

// SnapshotStore persists each successfully discovered schema and serves the
// latest snapshot per namespace for seeding the cache on restart.
type SnapshotStore interface {
	InsertSchemaSnapshot(s *models.SchemaSnapshot) error
	LatestSchemaSnapshots() ([]*models.SchemaSnapshot, error)
}

// NamespaceState tracks one namespace's update lifecycle. While IsUpdating
// is true, queries against the namespace are answered with a blocked
// response, never served a possibly mid-replacement schema.
type NamespaceState struct {
	Namespace       string
	IsUpdating      bool
	LastUpdatedAt   time.Time
	UpdateStartedAt time.Time
	UpdateReason    string
	Progress        int
	Error           string
}

type PipelineStatus struct {
	Blocked           bool
	BlockedNamespaces []string
	EstimatedWaitMs   int64
	SchemasReady      bool
	LastUpdated       time.Time
}

type updateRequest struct {
	reason     string
	documentID string
}

const (
	defaultDebounce    = 2 * time.Second
	defaultSettleDelay = 500 * time.Millisecond
	defaultQueueCap    = 100

	minWaitEstimate = 5 * time.Second
	maxWaitEstimate = 60 * time.Second

	discoveryTimeout = 2 * time.Minute
)

type CoordinatorOptions struct {
	Debounce    time.Duration
	SettleDelay time.Duration
	QueueCap    int
	Clock       clockwork.Clock
	Snapshots   SnapshotStore
}

// Coordinator owns the schema cache, the prompt cache and all per-namespace
// pipeline state. Every mutation funnels through here; the discoverer,
// analyzer and orchestrator never touch the maps directly. It is constructed
// at the composition root and injected, never a package singleton.
type Coordinator struct {
	discoverer  SchemaDiscoverer
	clock       clockwork.Clock
	debounce    time.Duration
	settleDelay time.Duration
	queueCap    int
	snapshots   SnapshotStore

	mu         sync.Mutex
	states     map[string]*NamespaceState
	schemas    map[string]*schema.DynamicSchema
	prompt     string
	globalLock bool
	debouncers map[string]clockwork.Timer
	queues     map[string][]updateRequest
	waiters    map[string][]chan bool
}

func NewCoordinator(discoverer SchemaDiscoverer, opts CoordinatorOptions) *Coordinator {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = defaultSettleDelay
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = defaultQueueCap
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	return &Coordinator{
		discoverer:  discoverer,
		clock:       opts.Clock,
		debounce:    opts.Debounce,
		settleDelay: opts.SettleDelay,
		queueCap:    opts.QueueCap,
		snapshots:   opts.Snapshots,
		states:      make(map[string]*NamespaceState),
		schemas:     make(map[string]*schema.DynamicSchema),
		prompt:      schema.BuildPrompt(nil),
		debouncers:  make(map[string]clockwork.Timer),
		queues:      make(map[string][]updateRequest),
		waiters:     make(map[string][]chan bool),
	}
}

// InitializeNamespace creates idle state for a namespace on first touch.
func (c *Coordinator) InitializeNamespace(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensureStateLocked(namespace)
}

func (c *Coordinator) ensureStateLocked(namespace string) *NamespaceState {
	state, ok := c.states[namespace]
	if !ok {
		state = &NamespaceState{Namespace: namespace}
		c.states[namespace] = state
	}
	return state
}

// RequestUpdate schedules a schema regeneration. Rapid successive requests
// for the same namespace within the debounce window collapse into one
// execution; requests arriving mid-update are queued.
func (c *Coordinator) RequestUpdate(namespace, reason, documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureStateLocked(namespace)
	req := updateRequest{reason: reason, documentID: documentID}

	if timer, ok := c.debouncers[namespace]; ok {
		timer.Stop()
	}

	c.debouncers[namespace] = c.clock.AfterFunc(c.debounce, func() {
		c.fireUpdate(namespace, req)
	})

	logger.Debug("Schema update requested",
		zap.String("namespace", namespace),
		zap.String("reason", reason),
		zap.String("document_id", documentID),
	)
}

func (c *Coordinator) fireUpdate(namespace string, req updateRequest) {
	c.mu.Lock()
	delete(c.debouncers, namespace)

	state := c.ensureStateLocked(namespace)
	if state.IsUpdating {
		// Single-flight per namespace: never run two regenerations
		// concurrently. Overflow is dropped rather than blocking the caller.
		if len(c.queues[namespace]) < c.queueCap {
			c.queues[namespace] = append(c.queues[namespace], req)
		} else {
			logger.Warn("Update queue full, dropping request",
				zap.String("namespace", namespace),
				zap.String("reason", req.reason),
			)
		}
		c.mu.Unlock()
		return
	}

	c.beginUpdateLocked(state, req)
	c.mu.Unlock()

	go c.executeUpdate(namespace)
}

func (c *Coordinator) beginUpdateLocked(state *NamespaceState, req updateRequest) {
	state.IsUpdating = true
	state.UpdateStartedAt = c.clock.Now()
	state.UpdateReason = req.reason
	state.Progress = 0
	state.Error = ""
}

func (c *Coordinator) executeUpdate(namespace string) {
	ctx, cancel := context.WithTimeout(context.Background(), discoveryTimeout)
	defer cancel()

	c.setProgress(namespace, 10)

	discovered, err := c.discoverer.DiscoverNamespace(ctx, namespace)
	if err != nil {
		logger.Warn("Schema regeneration failed",
			zap.String("namespace", namespace),
			zap.Error(err),
		)
		c.completeUpdate(namespace, false, nil, err)
		return
	}

	c.setProgress(namespace, 90)
	c.completeUpdate(namespace, true, discovered, nil)
}

func (c *Coordinator) setProgress(namespace string, progress int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.states[namespace]; ok && state.IsUpdating {
		state.Progress = progress
	}
}

func (c *Coordinator) completeUpdate(namespace string, success bool, discovered *schema.DynamicSchema, cause error) {
	c.mu.Lock()

	state := c.ensureStateLocked(namespace)
	state.IsUpdating = false
	state.Progress = 100
	if success {
		state.LastUpdatedAt = c.clock.Now()
		state.Error = ""
		if discovered != nil {
			c.schemas[namespace] = discovered
		} else {
			delete(c.schemas, namespace)
		}
		c.prompt = schema.BuildPrompt(c.schemas)
		metrics.SchemaRegenerations.WithLabelValues("success").Inc()
	} else {
		if cause != nil {
			state.Error = cause.Error()
		}
		metrics.SchemaRegenerations.WithLabelValues("failure").Inc()
	}

	// Completion callbacks fire exactly once per request, then are cleared.
	waiters := c.waiters[namespace]
	delete(c.waiters, namespace)

	queued := len(c.queues[namespace]) > 0
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- success
		close(ch)
	}

	logger.Info("Schema update completed",
		zap.String("namespace", namespace),
		zap.Bool("success", success),
	)

	if success && discovered != nil {
		c.persistSnapshot(namespace, discovered)
	}

	if queued {
		// Bursts of document events settle briefly before the queued work
		// runs, instead of regenerating back-to-back.
		c.clock.AfterFunc(c.settleDelay, func() {
			c.drainQueue(namespace)
		})
	}
}

// persistSnapshot writes the discovered schema through the snapshot store.
// Persistence failures degrade to a warning; the in-memory cache is already
// updated and remains authoritative.
func (c *Coordinator) persistSnapshot(namespace string, discovered *schema.DynamicSchema) {
	if c.snapshots == nil {
		return
	}

	schemaJSON, err := json.Marshal(discovered)
	if err != nil {
		logger.Warn("Failed to encode schema snapshot",
			zap.String("namespace", namespace),
			zap.Error(err),
		)
		return
	}

	snapshot := &models.SchemaSnapshot{
		ID:           uuid.New().String(),
		Namespace:    namespace,
		TemplateType: discovered.TemplateType,
		SchemaJSON:   string(schemaJSON),
		VectorCount:  discovered.VectorCount,
		CreatedAt:    time.Now(),
	}
	if err := c.snapshots.InsertSchemaSnapshot(snapshot); err != nil {
		logger.Warn("Failed to persist schema snapshot",
			zap.String("namespace", namespace),
			zap.Error(err),
		)
	}
}

// LoadPersistedSchemas seeds the cache from the latest snapshot of every
// namespace, so a restart serves last-known-good schemas without waiting for
// a fresh discovery round.
func (c *Coordinator) LoadPersistedSchemas() error {
	if c.snapshots == nil {
		return nil
	}

	snapshots, err := c.snapshots.LatestSchemaSnapshots()
	if err != nil {
		return fmt.Errorf("failed to load schema snapshots: %w", err)
	}
	if len(snapshots) == 0 {
		return nil
	}

	restored := make(map[string]*schema.DynamicSchema, len(snapshots))
	for _, snapshot := range snapshots {
		var s schema.DynamicSchema
		if err := json.Unmarshal([]byte(snapshot.SchemaJSON), &s); err != nil {
			logger.Warn("Skipping undecodable schema snapshot",
				zap.String("namespace", snapshot.Namespace),
				zap.String("snapshot_id", snapshot.ID),
				zap.Error(err),
			)
			continue
		}
		restored[snapshot.Namespace] = &s
	}
	if len(restored) == 0 {
		return nil
	}

	c.RestoreSchemas(restored)
	logger.Info("Schemas seeded from snapshots", zap.Int("namespaces", len(restored)))
	return nil
}

func (c *Coordinator) drainQueue(namespace string) {
	c.mu.Lock()

	queue := c.queues[namespace]
	delete(c.queues, namespace)

	if len(queue) == 0 {
		c.mu.Unlock()
		return
	}

	state := c.ensureStateLocked(namespace)
	if state.IsUpdating {
		// A direct request slipped in first; put the queue back.
		c.queues[namespace] = queue
		c.mu.Unlock()
		return
	}

	// Queued requests collapse into a single regeneration; discovery is
	// idempotent over the namespace's current contents.
	latest := queue[len(queue)-1]
	c.beginUpdateLocked(state, latest)
	c.mu.Unlock()

	logger.Debug("Draining queued schema updates",
		zap.String("namespace", namespace),
		zap.Int("collapsed", len(queue)),
	)

	go c.executeUpdate(namespace)
}

// CheckPipelineStatus is the gate every query passes before understanding
// runs. Blocked responses carry a wait estimate extrapolated from progress.
func (c *Coordinator) CheckPipelineStatus(namespaces []string) PipelineStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := PipelineStatus{SchemasReady: true}

	if c.globalLock {
		status.Blocked = true
		status.SchemasReady = false
		status.EstimatedWaitMs = maxWaitEstimate.Milliseconds()
		return status
	}

	var worstWait time.Duration
	for _, ns := range namespaces {
		state, ok := c.states[ns]
		if !ok {
			continue
		}

		if state.IsUpdating {
			status.Blocked = true
			status.SchemasReady = false
			status.BlockedNamespaces = append(status.BlockedNamespaces, ns)

			wait := estimateWait(c.clock.Now(), state)
			if wait > worstWait {
				worstWait = wait
			}
			continue
		}

		if state.LastUpdatedAt.After(status.LastUpdated) {
			status.LastUpdated = state.LastUpdatedAt
		}
		if _, ok := c.schemas[ns]; !ok {
			status.SchemasReady = false
		}
	}

	if status.Blocked {
		status.EstimatedWaitMs = worstWait.Milliseconds()
		metrics.BlockedQueries.Inc()
	}

	return status
}

func estimateWait(now time.Time, state *NamespaceState) time.Duration {
	elapsed := now.Sub(state.UpdateStartedAt)

	var estimate time.Duration
	if state.Progress > 0 {
		remaining := float64(100-state.Progress) / float64(state.Progress)
		estimate = time.Duration(float64(elapsed) * remaining)
	} else {
		estimate = maxWaitEstimate
	}

	if estimate < minWaitEstimate {
		return minWaitEstimate
	}
	if estimate > maxWaitEstimate {
		return maxWaitEstimate
	}
	return estimate
}

// WaitForUpdate blocks until the namespace's in-flight update completes.
// Returns false on timeout so callers can degrade to a "still updating"
// answer instead of failing hard.
func (c *Coordinator) WaitForUpdate(namespace string, timeout time.Duration) bool {
	c.mu.Lock()

	state, ok := c.states[namespace]
	_, pending := c.debouncers[namespace]
	if !ok || (!state.IsUpdating && !pending) {
		c.mu.Unlock()
		return true
	}

	ch := make(chan bool, 1)
	c.waiters[namespace] = append(c.waiters[namespace], ch)
	c.mu.Unlock()

	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case success := <-ch:
		return success
	case <-timer.Chan():
		return false
	}
}

// SetGlobalLock blocks all namespaces regardless of per-namespace state,
// for maintenance windows.
func (c *Coordinator) SetGlobalLock(locked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.globalLock = locked

	logger.Info("Global pipeline lock changed", zap.Bool("locked", locked))
}

// ClearNamespace drops all state and cached schema for a namespace, used
// when its last document is removed. Pending waiters are released with
// failure rather than left to ride out their timeout.
func (c *Coordinator) ClearNamespace(namespace string) {
	c.mu.Lock()

	if timer, ok := c.debouncers[namespace]; ok {
		timer.Stop()
		delete(c.debouncers, namespace)
	}
	delete(c.states, namespace)
	delete(c.schemas, namespace)
	delete(c.queues, namespace)
	c.prompt = schema.BuildPrompt(c.schemas)

	waiters := c.waiters[namespace]
	delete(c.waiters, namespace)
	c.mu.Unlock()

	for _, ch := range waiters {
		ch <- false
		close(ch)
	}

	logger.Info("Namespace cleared", zap.String("namespace", namespace))
}

// Schema returns the last-known-good schema for a namespace.
func (c *Coordinator) Schema(namespace string) (*schema.DynamicSchema, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.schemas[namespace]
	return s, ok
}

// Schemas returns a snapshot of the current schema set.
func (c *Coordinator) Schemas() map[string]*schema.DynamicSchema {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]*schema.DynamicSchema, len(c.schemas))
	for ns, s := range c.schemas {
		out[ns] = s
	}
	return out
}

// RestoreSchemas replaces the cached schema set wholesale and rebuilds the
// prompt. Used to seed the cache from persisted snapshots on startup and to
// roll back a bad optimization.
func (c *Coordinator) RestoreSchemas(schemas map[string]*schema.DynamicSchema) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.schemas = make(map[string]*schema.DynamicSchema, len(schemas))
	for ns, s := range schemas {
		c.schemas[ns] = s
		c.ensureStateLocked(ns)
	}
	c.prompt = schema.BuildPrompt(c.schemas)
}

// Prompt returns the cached prompt text built alongside the schema set.
func (c *Coordinator) Prompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt
}

// State returns a copy of a namespace's pipeline state.
func (c *Coordinator) State(namespace string) (NamespaceState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[namespace]
	if !ok {
		return NamespaceState{}, false
	}
	return *state, true
}

// Namespaces lists every namespace the coordinator has touched.
func (c *Coordinator) Namespaces() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.states))
	for ns := range c.states {
		out = append(out, ns)
	}
	return out
}
