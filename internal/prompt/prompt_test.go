package prompt

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func seedLayer(t *testing.T, svc *Service, layerType models.LayerType, content string) *models.PromptLayer {
	t.Helper()
	layer, err := svc.CreateLayer(context.Background(), CreateLayerInput{
		ProjectID:    "p1",
		LayerType:    layerType,
		Content:      content,
		CreatedBy:    "tester",
		ChangeReason: "initial",
		Activate:     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return layer
}

func TestAssembleComposesThreeLayers(t *testing.T) {
	svc := NewService(storage.NewMemoryStore().Layers)
	seedLayer(t, svc, models.LayerIdentity, "You are Ada.")
	seedLayer(t, svc, models.LayerInstructions, "Answer briefly.")
	seedLayer(t, svc, models.LayerSafety, "Refuse harm.")

	composed, snapshot, err := svc.Assemble(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	want := "You are Ada.\n\nAnswer briefly.\n\nRefuse harm."
	if composed != want {
		t.Errorf("composed = %q, want %q", composed, want)
	}
	if snapshot.IdentityVersion != 1 || snapshot.InstructionsVersion != 1 || snapshot.SafetyVersion != 1 {
		t.Errorf("snapshot versions = %+v, want all 1", snapshot)
	}
	if snapshot.ComposedSystemPrompt != want {
		t.Error("snapshot should carry the composed prompt")
	}
}

func TestAssembleFailsWithoutActiveLayer(t *testing.T) {
	svc := NewService(storage.NewMemoryStore().Layers)
	seedLayer(t, svc, models.LayerIdentity, "You are Ada.")
	seedLayer(t, svc, models.LayerInstructions, "Answer briefly.")
	// No safety layer.

	_, _, err := svc.Assemble(context.Background(), "p1")
	if !errdefs.IsCode(err, errdefs.CodeNoActivePrompt) {
		t.Errorf("err = %v, want NO_ACTIVE_PROMPT", err)
	}
	if err != nil && !strings.Contains(err.Error(), "safety") {
		t.Errorf("error should name the missing slot: %v", err)
	}
}

func TestRollbackActivatesOlderVersion(t *testing.T) {
	svc := NewService(storage.NewMemoryStore().Layers)
	ctx := context.Background()

	v1 := seedLayer(t, svc, models.LayerInstructions, "version one")
	v2 := seedLayer(t, svc, models.LayerInstructions, "version two")
	if v2.Version != 2 {
		t.Fatalf("second create version = %d, want 2", v2.Version)
	}

	rolled, err := svc.Activate(ctx, v1.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !rolled.IsActive || rolled.Version != 1 {
		t.Errorf("rollback target not active: %+v", rolled)
	}

	versions, err := svc.ListVersions(ctx, "p1", models.LayerInstructions)
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range versions {
		if l.ID == v2.ID && l.IsActive {
			t.Error("newer version still active after rollback")
		}
	}
}

func TestCreateLayerValidation(t *testing.T) {
	svc := NewService(storage.NewMemoryStore().Layers)
	ctx := context.Background()

	tests := []struct {
		name string
		in   CreateLayerInput
	}{
		{"bad type", CreateLayerInput{ProjectID: "p1", LayerType: "persona", Content: "x", CreatedBy: "t", ChangeReason: "r"}},
		{"empty content", CreateLayerInput{ProjectID: "p1", LayerType: models.LayerIdentity, CreatedBy: "t", ChangeReason: "r"}},
		{"missing createdBy", CreateLayerInput{ProjectID: "p1", LayerType: models.LayerIdentity, Content: "x", ChangeReason: "r"}},
		{"missing changeReason", CreateLayerInput{ProjectID: "p1", LayerType: models.LayerIdentity, Content: "x", CreatedBy: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.CreateLayer(ctx, tt.in); !errdefs.IsCode(err, errdefs.CodeValidation) {
				t.Errorf("err = %v, want validation error", err)
			}
		})
	}
}
