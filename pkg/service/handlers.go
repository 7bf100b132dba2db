package service

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/audit"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/classify"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/enrich"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/gateway"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/workflow"
)

// Handler serves the workflow and run endpoints.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// RegisterRoutes mounts the endpoints on r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	workflows := r.Group("/workflows")
	workflows.POST("", h.CreateWorkflow)
	workflows.GET("/:id", h.GetWorkflow)
	workflows.DELETE("/:id", h.DeleteWorkflow)
	workflows.POST("/:id/submit", h.SubmitWorkflow)
	workflows.POST("/:id/toggle/:entry", h.ToggleEntry)
	workflows.POST("/:id/select-all", h.action((*workflow.Workflow).SelectAll))
	workflows.POST("/:id/deselect-all", h.action((*workflow.Workflow).DeselectAll))
	workflows.POST("/:id/reverse", h.action((*workflow.Workflow).Reverse))
	workflows.POST("/:id/ban-another", h.action((*workflow.Workflow).BanAnother))
	workflows.POST("/:id/reset", h.action((*workflow.Workflow).Reset))
	workflows.POST("/:id/reload", h.RequestReload)
	workflows.POST("/:id/resume", h.ResumeWorkflow)

	runs := r.Group("/runs")
	runs.GET("", h.ListRuns)
	runs.GET("/:id", h.GetRun)
}

// SubmitRequest carries the network to ban and why.
type SubmitRequest struct {
	Network string `json:"network"`
	Reason  string `json:"reason"`
}

// WorkflowView is the JSON representation of a workflow.
type WorkflowView struct {
	ID         string              `json:"id"`
	Status     workflow.Status     `json:"status"`
	Busy       bool                `json:"busy"`
	Network    string              `json:"network,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Conflicts  []ConflictView      `json:"conflicts,omitempty"`
	Selected   []int64             `json:"selected,omitempty"`
	Reversed   []gateway.UnbanItem `json:"reversed,omitempty"`
	Failed     []gateway.UnbanItem `json:"failed,omitempty"`
	Error      *classify.Error     `json:"error,omitempty"`
	CheckError *classify.Error     `json:"checkError,omitempty"`
}

// ConflictView is a conflicting entry with its selection flag.
type ConflictView struct {
	gateway.CIDREntry
	Selected   bool               `json:"selected"`
	Annotation *enrich.Annotation `json:"annotation,omitempty"`
}

// CreateWorkflow starts a workflow and submits the requested network.
// POST /api/workflows
func (h *Handler) CreateWorkflow(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, classify.New(classify.KindValidation, "invalid request body"))
		return
	}

	wf, err := h.manager.Create()
	if err != nil {
		h.fail(c, err)
		return
	}

	state, err := h.manager.Submit(c.Request.Context(), wf, req.Network, req.Reason)
	if errors.Is(err, ErrNetworkInFlight) {
		_ = h.manager.Remove(wf.ID())
	} else {
		c.Header("Location", "/api/workflows/"+wf.ID())
	}
	h.respond(c, wf, state, err, http.StatusCreated)
}

// GetWorkflow returns the current state.
// GET /api/workflows/:id
func (h *Handler) GetWorkflow(c *gin.Context) {
	wf, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(wf, wf.State()))
}

// DeleteWorkflow abandons a workflow.
// DELETE /api/workflows/:id
func (h *Handler) DeleteWorkflow(c *gin.Context) {
	if err := h.manager.Remove(c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// SubmitWorkflow submits a network on a workflow waiting for input.
// POST /api/workflows/:id/submit
func (h *Handler) SubmitWorkflow(c *gin.Context) {
	wf, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, classify.New(classify.KindValidation, "invalid request body"))
		return
	}

	state, err := h.manager.Submit(c.Request.Context(), wf, req.Network, req.Reason)
	h.respond(c, wf, state, err, http.StatusOK)
}

// ToggleEntry flips the selection of one conflicting entry.
// POST /api/workflows/:id/toggle/:entry
func (h *Handler) ToggleEntry(c *gin.Context) {
	wf, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}

	entry, err := strconv.ParseInt(c.Param("entry"), 10, 64)
	if err != nil {
		h.fail(c, classify.New(classify.KindValidation, "entry id must be an integer"))
		return
	}

	state, err := wf.Toggle(c.Request.Context(), entry)
	h.respond(c, wf, state, err, http.StatusOK)
}

// action adapts a workflow method taking only a context into a handler.
func (h *Handler) action(do func(*workflow.Workflow, context.Context) (workflow.State, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		wf, err := h.manager.Get(c.Param("id"))
		if err != nil {
			h.fail(c, err)
			return
		}
		state, err := do(wf, c.Request.Context())
		h.respond(c, wf, state, err, http.StatusOK)
	}
}

// RequestReload asks collaborators to re-synchronize.
// POST /api/workflows/:id/reload
func (h *Handler) RequestReload(c *gin.Context) {
	wf, err := h.manager.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	wf.RequestReload()
	c.Status(http.StatusAccepted)
}

// ResumeWorkflow brings a recorded run back as a live workflow.
// POST /api/workflows/:id/resume
func (h *Handler) ResumeWorkflow(c *gin.Context) {
	wf, err := h.manager.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.view(wf, wf.State()))
}

// ListRuns lists recorded runs.
// GET /api/runs?limit=N
func (h *Handler) ListRuns(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.fail(c, classify.New(classify.KindValidation, "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	runs, err := h.manager.Runs(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GetRun returns one recorded run.
// GET /api/runs/:id
func (h *Handler) GetRun(c *gin.Context) {
	if h.manager.opts.Runs == nil {
		h.fail(c, audit.ErrRunNotFound)
		return
	}
	run, err := h.manager.opts.Runs.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// respond renders the workflow after an action. A classified failure the
// workflow absorbed is rendered with the workflow and a status derived from
// its kind.
func (h *Handler) respond(c *gin.Context, wf *workflow.Workflow, state workflow.State, err error, okStatus int) {
	if err == nil {
		c.JSON(okStatus, h.view(wf, state))
		return
	}

	var classified *classify.Error
	if state != nil && errors.As(err, &classified) {
		c.JSON(kindStatus(classified.Kind), h.view(wf, state))
		return
	}
	h.fail(c, err)
}

// fail renders err as a classified error.
func (h *Handler) fail(c *gin.Context, err error) {
	status, classified := describe(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("API request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, classified)
}

func describe(err error) (int, *classify.Error) {
	switch {
	case errors.Is(err, ErrWorkflowNotFound), errors.Is(err, audit.ErrRunNotFound), errors.Is(err, workflow.ErrUnknownEntry):
		return http.StatusNotFound, classify.New(classify.KindNotFound, err.Error())
	case errors.Is(err, ErrNetworkInFlight):
		return http.StatusConflict, classify.New(classify.KindAlreadyExists, err.Error())
	case errors.Is(err, workflow.ErrBusy), errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusConflict, classify.New(classify.KindValidation, err.Error())
	case errors.Is(err, workflow.ErrEmptySelection):
		return http.StatusUnprocessableEntity, classify.New(classify.KindValidation, err.Error())
	case errors.Is(err, workflow.ErrClosed):
		return http.StatusGone, classify.New(classify.KindNotFound, err.Error())
	}

	var classified *classify.Error
	if errors.As(err, &classified) {
		return kindStatus(classified.Kind), classified
	}
	return http.StatusInternalServerError, classify.Classify(err)
}

func kindStatus(kind classify.Kind) int {
	switch kind {
	case classify.KindValidation:
		return http.StatusUnprocessableEntity
	case classify.KindNotFound:
		return http.StatusNotFound
	case classify.KindAlreadyExists:
		return http.StatusConflict
	case classify.KindServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (h *Handler) view(wf *workflow.Workflow, state workflow.State) WorkflowView {
	v := WorkflowView{ID: wf.ID(), Status: state.Status(), Busy: wf.Busy()}

	switch s := state.(type) {
	case workflow.Input:
		v.Network, v.Reason, v.Error = s.Network, s.Reason, s.Err
	case workflow.Banning:
		v.Network, v.Reason = s.Network, s.Reason
	case workflow.Checking:
		v.Network, v.Reason = s.Network, s.Reason
	case workflow.Results:
		v.Network, v.Reason, v.Error = s.Network, s.Reason, s.Err
		v.Selected = s.Selected()
		v.Conflicts = h.conflicts(s.Conflicts, s.IsSelected)
	case workflow.Complete:
		v.Network, v.Reason, v.CheckError = s.Network, s.Reason, s.CheckErr
		v.Conflicts = h.conflicts(s.Conflicts, func(int64) bool { return false })
		v.Reversed, v.Failed = s.Reversed, s.Failed
	}
	return v
}

func (h *Handler) conflicts(entries []gateway.CIDREntry, selected func(int64) bool) []ConflictView {
	if len(entries) == 0 {
		return nil
	}
	annotations := h.manager.Annotate(entries)

	out := make([]ConflictView, len(entries))
	for i, entry := range entries {
		out[i] = ConflictView{CIDREntry: entry, Selected: selected(entry.ID)}
		if annotations != nil {
			out[i].Annotation = &annotations[i]
		}
	}
	return out
}
