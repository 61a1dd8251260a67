package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/prompt"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	projects, err := s.deps.Store.Projects.List(r.Context(), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var project models.Project
	if err := decode(r, &project); err != nil {
		s.fail(w, r, err)
		return
	}
	if project.Name == "" {
		s.fail(w, r, errdefs.New(errdefs.CodeValidation, "name is required"))
		return
	}
	if project.ID == "" {
		project.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	if err := s.deps.Store.Projects.Create(r.Context(), &project); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.deps.Store.Projects.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, project)
}

type createLayerRequest struct {
	LayerType    models.LayerType `json:"layerType"`
	Content      string           `json:"content"`
	CreatedBy    string           `json:"createdBy"`
	ChangeReason string           `json:"changeReason"`
	Activate     bool             `json:"activate"`
}

func (s *Server) handleCreateLayer(w http.ResponseWriter, r *http.Request) {
	var req createLayerRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	layer, err := s.deps.Prompts.CreateLayer(r.Context(), prompt.CreateLayerInput{
		ProjectID:    r.PathValue("pid"),
		LayerType:    req.LayerType,
		Content:      req.Content,
		CreatedBy:    req.CreatedBy,
		ChangeReason: req.ChangeReason,
		Activate:     req.Activate,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, layer)
}

func (s *Server) handleListLayers(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	types := []models.LayerType{models.LayerIdentity, models.LayerInstructions, models.LayerSafety}
	if q := r.URL.Query().Get("type"); q != "" {
		types = []models.LayerType{models.LayerType(q)}
	}

	layers := []*models.PromptLayer{}
	for _, layerType := range types {
		versions, err := s.deps.Prompts.ListVersions(r.Context(), pid, layerType)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		layers = append(layers, versions...)
	}
	s.respond(w, http.StatusOK, layers)
}

func (s *Server) handleActiveLayers(w http.ResponseWriter, r *http.Request) {
	_, snapshot, err := s.deps.Prompts.Assemble(r.Context(), r.PathValue("pid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, snapshot)
}

func (s *Server) handleActivateLayer(w http.ResponseWriter, r *http.Request) {
	layer, err := s.deps.Prompts.Activate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, layer)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	sessions, err := s.deps.Store.Sessions.List(r.Context(), r.PathValue("pid"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, sessions)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := pagination(r)
	messages, err := s.deps.Store.Messages.ListBySession(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, messages)
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	trace, err := s.deps.Store.Traces.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, trace)
}

type integrationInfo struct {
	Channel string `json:"channel"`
}

// handleListIntegrations reports the channels with registered adapters.
// Adapters are wired in code at startup; there is no mutable integration
// record.
func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	out := []integrationInfo{}
	if s.deps.Channels != nil {
		for _, ch := range s.deps.Channels.Channels() {
			out = append(out, integrationInfo{Channel: ch})
		}
	}
	s.respond(w, http.StatusOK, out)
}

type registerIntegrationRequest struct {
	Channel string `json:"channel"`
}

// handleRegisterIntegration rejects runtime integration creation. Adapters
// carry SDK clients and credentials that must be wired at startup, so the
// surface documents the contract with an explicit 405 instead of silently
// accepting a record nothing would act on.
func (s *Server) handleRegisterIntegration(w http.ResponseWriter, r *http.Request) {
	var req registerIntegrationRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Channel == "" {
		s.fail(w, r, errdefs.New(errdefs.CodeValidation, "channel is required"))
		return
	}
	s.fail(w, r, errdefs.Newf(errdefs.CodeValidation,
		"channel integrations are registered at startup; redeploy with an adapter for %q", req.Channel).
		WithStatus(http.StatusMethodNotAllowed))
}

type setSecretRequest struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request) {
	var req setSecretRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	meta, err := s.deps.Secrets.Set(r.Context(), r.PathValue("pid"), req.Key, req.Value, req.Description)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, meta)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	metas, err := s.deps.Secrets.List(r.Context(), r.PathValue("pid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, metas)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Secrets.Delete(r.Context(), r.PathValue("pid"), r.PathValue("key")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]bool{"deleted": true})
}

// pagination reads ?limit= and ?offset= with sane defaults.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}
