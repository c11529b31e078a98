package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ragadmin/backend/internal/accuracy"
	"github.com/ragadmin/backend/internal/schema"
)

type fakeReembedder struct {
	namespaces []string
}

func (f *fakeReembedder) Reembed(ctx context.Context, namespace string) error {
	f.namespaces = append(f.namespaces, namespace)
	return nil
}

func newApplierFixture(t *testing.T) (*Applier, *Coordinator, *RetrievalSettings, *fakeReembedder) {
	t.Helper()

	refreshed := testSchema("ns_sales")
	refreshed.TemplateType = "mdrt"

	coordinator := NewCoordinator(&fakeDiscoverer{schema: refreshed}, CoordinatorOptions{
		Debounce:    time.Millisecond,
		SettleDelay: time.Millisecond,
	})
	coordinator.RestoreSchemas(map[string]*schema.DynamicSchema{
		"ns_sales": testSchema("ns_sales"),
	})

	settings := &RetrievalSettings{}
	reembedder := &fakeReembedder{}
	return NewApplier(coordinator, settings, reembedder), coordinator, settings, reembedder
}

func TestApplierSchemaRefreshAndRollback(t *testing.T) {
	applier, coordinator, _, _ := newApplierFixture(t)

	action := &accuracy.Action{Type: accuracy.ActionSchemaRefresh}
	previous, err := applier.Apply(context.Background(), action)
	require.NoError(t, err)
	require.Contains(t, previous, "compensation")

	s, ok := coordinator.Schema("ns_sales")
	require.True(t, ok)
	require.Equal(t, "mdrt", s.TemplateType)

	action.PreviousState = previous
	require.NoError(t, applier.Rollback(context.Background(), action))

	s, ok = coordinator.Schema("ns_sales")
	require.True(t, ok)
	require.Equal(t, "compensation", s.TemplateType)
}

func TestApplierFilterAdjust(t *testing.T) {
	applier, _, settings, _ := newApplierFixture(t)

	action := &accuracy.Action{Type: accuracy.ActionFilterAdjust}
	previous, err := applier.Apply(context.Background(), action)
	require.NoError(t, err)
	require.Equal(t, "strict=false", previous)
	require.True(t, settings.StrictFilters())

	action.PreviousState = previous
	require.NoError(t, applier.Rollback(context.Background(), action))
	require.False(t, settings.StrictFilters())
}

func TestApplierPromptRebuild(t *testing.T) {
	applier, coordinator, _, _ := newApplierFixture(t)

	action := &accuracy.Action{Type: accuracy.ActionPromptRebuild}
	previous, err := applier.Apply(context.Background(), action)
	require.NoError(t, err)
	require.NotEmpty(t, previous)
	require.NotEmpty(t, coordinator.Prompt())

	// A prompt snapshot is not a schema set; rollback rebuilds from the
	// current schemas instead of failing.
	action.PreviousState = previous
	require.NoError(t, applier.Rollback(context.Background(), action))
}

func TestApplierEmbeddingRefresh(t *testing.T) {
	applier, _, _, reembedder := newApplierFixture(t)

	_, err := applier.Apply(context.Background(), &accuracy.Action{Type: accuracy.ActionEmbeddingRefresh})
	require.NoError(t, err)
	require.Equal(t, []string{"ns_sales"}, reembedder.namespaces)
}

func TestApplierEmbeddingRefreshWithoutBackend(t *testing.T) {
	applier, _, _, _ := newApplierFixture(t)
	applier.reembedder = nil

	_, err := applier.Apply(context.Background(), &accuracy.Action{Type: accuracy.ActionEmbeddingRefresh})
	require.Error(t, err)
}

func TestApplierUnknownAction(t *testing.T) {
	applier, _, _, _ := newApplierFixture(t)

	_, err := applier.Apply(context.Background(), &accuracy.Action{Type: "tune_everything"})
	require.Error(t, err)

	err = applier.Rollback(context.Background(), &accuracy.Action{Type: accuracy.ActionEmbeddingRefresh})
	require.Error(t, err)
}
