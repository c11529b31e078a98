package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ragadmin/backend/internal/accuracy"
	"github.com/ragadmin/backend/internal/schema"
)

// RetrievalSettings are the knobs the optimizer is allowed to turn on the
// live query path. The query engine reads them on every request.
type RetrievalSettings struct {
	mu            sync.RWMutex
	strictFilters bool
	topKBoost     int
}

func (s *RetrievalSettings) StrictFilters() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strictFilters
}

func (s *RetrievalSettings) SetStrictFilters(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strictFilters = v
}

func (s *RetrievalSettings) TopKBoost() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topKBoost
}

func (s *RetrievalSettings) SetTopKBoost(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topKBoost = v
}

// Reembedder re-vectorizes a namespace's documents from source.
type Reembedder interface {
	Reembed(ctx context.Context, namespace string) error
}

// Applier translates optimizer actions into coordinator and settings
// mutations. Every reversible action snapshots the state it replaces.
type Applier struct {
	coordinator *Coordinator
	settings    *RetrievalSettings
	reembedder  Reembedder
	waitTimeout time.Duration
}

func NewApplier(coordinator *Coordinator, settings *RetrievalSettings, reembedder Reembedder) *Applier {
	return &Applier{
		coordinator: coordinator,
		settings:    settings,
		reembedder:  reembedder,
		waitTimeout: discoveryTimeout,
	}
}

var _ accuracy.ActionApplier = (*Applier)(nil)

func (a *Applier) Apply(ctx context.Context, action *accuracy.Action) (string, error) {
	switch action.Type {
	case accuracy.ActionSchemaRefresh, accuracy.ActionFieldMapping:
		previous, err := marshalSchemas(a.coordinator.Schemas())
		if err != nil {
			return "", err
		}
		for _, ns := range a.coordinator.Namespaces() {
			a.coordinator.RequestUpdate(ns, "optimization:"+string(action.Type), "")
		}
		for _, ns := range a.coordinator.Namespaces() {
			if !a.coordinator.WaitForUpdate(ns, a.waitTimeout) {
				return "", fmt.Errorf("schema refresh timed out for namespace %s", ns)
			}
		}
		return previous, nil

	case accuracy.ActionFilterAdjust:
		previous := fmt.Sprintf("strict=%t", a.settings.StrictFilters())
		a.settings.SetStrictFilters(true)
		return previous, nil

	case accuracy.ActionPromptRebuild:
		previous := a.coordinator.Prompt()
		a.coordinator.RestoreSchemas(a.coordinator.Schemas())
		return previous, nil

	case accuracy.ActionEmbeddingRefresh:
		if a.reembedder == nil {
			return "", fmt.Errorf("no re-embedding backend configured")
		}
		for _, ns := range a.coordinator.Namespaces() {
			if err := a.reembedder.Reembed(ctx, ns); err != nil {
				return "", fmt.Errorf("re-embed namespace %s: %w", ns, err)
			}
		}
		return "", nil

	default:
		return "", fmt.Errorf("unknown action type %q", action.Type)
	}
}

func (a *Applier) Rollback(ctx context.Context, action *accuracy.Action) error {
	switch action.Type {
	case accuracy.ActionSchemaRefresh, accuracy.ActionFieldMapping, accuracy.ActionPromptRebuild:
		schemas, err := unmarshalSchemas(action.PreviousState)
		if err != nil {
			if action.Type == accuracy.ActionPromptRebuild {
				// A prompt snapshot is not a schema set; rebuilding from the
				// current schemas is the closest restorable state.
				a.coordinator.RestoreSchemas(a.coordinator.Schemas())
				return nil
			}
			return err
		}
		a.coordinator.RestoreSchemas(schemas)
		return nil

	case accuracy.ActionFilterAdjust:
		a.settings.SetStrictFilters(action.PreviousState == "strict=true")
		return nil

	default:
		return fmt.Errorf("action type %q cannot be rolled back", action.Type)
	}
}

func marshalSchemas(schemas map[string]*schema.DynamicSchema) (string, error) {
	b, err := json.Marshal(schemas)
	if err != nil {
		return "", fmt.Errorf("snapshot schemas: %w", err)
	}
	return string(b), nil
}

func unmarshalSchemas(raw string) (map[string]*schema.DynamicSchema, error) {
	var schemas map[string]*schema.DynamicSchema
	if err := json.Unmarshal([]byte(raw), &schemas); err != nil {
		return nil, fmt.Errorf("restore schemas: %w", err)
	}
	return schemas, nil
}
