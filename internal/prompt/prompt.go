// Package prompt manages the three-layer system prompt: immutable versioned
// identity, instructions, and safety layers, and their composition into the
// system prompt used for a turn.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

// Service creates, activates, and composes prompt layers.
type Service struct {
	layers storage.PromptLayerRepo
}

// NewService builds a Service on the layer repository.
func NewService(layers storage.PromptLayerRepo) *Service {
	return &Service{layers: layers}
}

// CreateLayerInput is the payload for CreateLayer.
type CreateLayerInput struct {
	ProjectID    string
	LayerType    models.LayerType
	Content      string
	CreatedBy    string
	ChangeReason string

	// Activate makes the new version active immediately.
	Activate bool
}

// CreateLayer persists a new immutable layer version. The repository assigns
// the next version number for (project, type).
func (s *Service) CreateLayer(ctx context.Context, in CreateLayerInput) (*models.PromptLayer, error) {
	if !models.ValidLayerType(in.LayerType) {
		return nil, errdefs.Newf(errdefs.CodeValidation, "unknown layer type %q", in.LayerType)
	}
	if in.Content == "" {
		return nil, errdefs.New(errdefs.CodeValidation, "layer content is required")
	}
	if in.CreatedBy == "" {
		return nil, errdefs.New(errdefs.CodeValidation, "createdBy is required")
	}
	if in.ChangeReason == "" {
		return nil, errdefs.New(errdefs.CodeValidation, "changeReason is required")
	}

	layer := &models.PromptLayer{
		ID:           uuid.NewString(),
		ProjectID:    in.ProjectID,
		LayerType:    in.LayerType,
		Content:      in.Content,
		CreatedBy:    in.CreatedBy,
		ChangeReason: in.ChangeReason,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.layers.Create(ctx, layer); err != nil {
		return nil, fmt.Errorf("create layer: %w", err)
	}
	if in.Activate {
		if err := s.layers.Activate(ctx, layer.ID); err != nil {
			return nil, fmt.Errorf("activate layer: %w", err)
		}
		layer.IsActive = true
	}
	return layer, nil
}

// Activate makes the given layer the single active version for its slot.
// Activating an older version is how rollback works.
func (s *Service) Activate(ctx context.Context, layerID string) (*models.PromptLayer, error) {
	if err := s.layers.Activate(ctx, layerID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdefs.Newf(errdefs.CodeNotFound, "prompt layer %s not found", layerID)
		}
		return nil, err
	}
	return s.layers.Get(ctx, layerID)
}

// ListVersions returns all versions for a slot, oldest first.
func (s *Service) ListVersions(ctx context.Context, projectID string, layerType models.LayerType) ([]*models.PromptLayer, error) {
	if !models.ValidLayerType(layerType) {
		return nil, errdefs.Newf(errdefs.CodeValidation, "unknown layer type %q", layerType)
	}
	return s.layers.List(ctx, projectID, layerType)
}

// Assemble composes the system prompt from the three active layers and
// returns it with the snapshot recorded into the turn's trace. A missing
// active layer in any slot fails with NO_ACTIVE_PROMPT.
func (s *Service) Assemble(ctx context.Context, projectID string) (string, *models.PromptSnapshot, error) {
	identity, err := s.activeLayer(ctx, projectID, models.LayerIdentity)
	if err != nil {
		return "", nil, err
	}
	instructions, err := s.activeLayer(ctx, projectID, models.LayerInstructions)
	if err != nil {
		return "", nil, err
	}
	safety, err := s.activeLayer(ctx, projectID, models.LayerSafety)
	if err != nil {
		return "", nil, err
	}

	composed := identity.Content + "\n\n" + instructions.Content + "\n\n" + safety.Content
	snapshot := &models.PromptSnapshot{
		IdentityVersion:      identity.Version,
		InstructionsVersion:  instructions.Version,
		SafetyVersion:        safety.Version,
		ComposedSystemPrompt: composed,
		AssembledAt:          time.Now().UTC(),
	}
	return composed, snapshot, nil
}

func (s *Service) activeLayer(ctx context.Context, projectID string, layerType models.LayerType) (*models.PromptLayer, error) {
	layer, err := s.layers.Active(ctx, projectID, layerType)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, errdefs.Newf(errdefs.CodeNoActivePrompt, "no active %s layer for project %s", layerType, projectID)
	}
	if err != nil {
		return nil, err
	}
	return layer, nil
}
