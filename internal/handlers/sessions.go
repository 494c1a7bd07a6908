package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/vanpelt/shellhost/internal/manager"
	"github.com/vanpelt/shellhost/internal/templates"
)

// TemplateLookup resolves a template id from the loaded templates file.
type TemplateLookup func(id string) (templates.Resolved, bool)

// SessionsHandler handles session management API endpoints
type SessionsHandler struct {
	manager   *manager.Manager
	templates TemplateLookup
}

// CreateSessionRequest describes a session to start. Fields other than
// template_id override the template's values.
// @Description Session creation parameters
type CreateSessionRequest struct {
	TemplateID           string            `json:"template_id" example:"shell"`
	Alias                string            `json:"alias" example:"build"`
	Command              string            `json:"command" example:"bash -l"`
	WorkingDir           string            `json:"working_dir" example:"/workspace"`
	WorkspaceServicePort *int              `json:"workspace_service_port" example:"45678"`
	Cols                 uint16            `json:"cols" example:"120"`
	Rows                 uint16            `json:"rows" example:"40"`
	Env                  map[string]string `json:"env"`
}

// DeleteSessionResponse represents the response when terminating a session
// @Description Response confirming session termination
type DeleteSessionResponse struct {
	Message   string `json:"message" example:"Session terminated"`
	SessionID string `json:"session_id" example:"8c1d..."`
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(m *manager.Manager, lookup TemplateLookup) *SessionsHandler {
	if lookup == nil {
		lookup = func(string) (templates.Resolved, bool) { return templates.Resolved{}, false }
	}
	return &SessionsHandler{
		manager:   m,
		templates: lookup,
	}
}

// RegisterRoutes registers all session routes
func (h *SessionsHandler) RegisterRoutes(v1 fiber.Router) {
	v1.Get("/sessions", h.ListSessions)
	v1.Post("/sessions", h.CreateSession)
	v1.Get("/sessions/:id", h.GetSession)
	v1.Get("/sessions/:id/history", h.GetHistory)
	v1.Post("/sessions/:id/resize", h.ResizeSession)
	v1.Delete("/sessions/:id", h.DeleteSession)
}

// ListSessions returns live sessions, and archived ones with ?all=true
// @Summary List sessions
// @Tags sessions
// @Produce json
// @Param all query bool false "Include terminated sessions"
// @Success 200 {array} manager.View
// @Router /v1/sessions [get]
func (h *SessionsHandler) ListSessions(c *fiber.Ctx) error {
	return c.JSON(h.manager.ListViews(c.QueryBool("all", false)))
}

// CreateSession starts a new session
// @Summary Create session
// @Tags sessions
// @Accept json
// @Produce json
// @Param session body CreateSessionRequest true "Session parameters"
// @Success 201 {object} manager.View
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string "Alias already bound"
// @Failure 502 {object} map[string]string "Process failed to start"
// @Router /v1/sessions [post]
func (h *SessionsHandler) CreateSession(c *fiber.Ctx) error {
	var req CreateSessionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid json"})
		}
	}

	tpl := templates.Resolved{ID: "custom"}
	if req.TemplateID != "" {
		found, ok := h.templates(req.TemplateID)
		if !ok {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "unknown template: " + req.TemplateID,
			})
		}
		tpl = found
	}
	if req.Alias != "" {
		tpl.Alias = req.Alias
	}
	if req.Command != "" {
		tpl.Command = req.Command
	}
	if req.WorkingDir != "" {
		tpl.WorkingDir = req.WorkingDir
	}
	if len(req.Env) > 0 {
		params := make(map[string]string, len(tpl.Parameters)+len(req.Env))
		for k, v := range tpl.Parameters {
			params[k] = v
		}
		for k, v := range req.Env {
			params[k] = v
		}
		tpl.Parameters = params
	}

	s, err := h.manager.CreateSession(c.UserContext(), tpl, manager.CreateOptions{
		WorkspaceServicePort: req.WorkspaceServicePort,
		Cols:                 req.Cols,
		Rows:                 req.Rows,
	})
	if err != nil {
		return respondError(c, err)
	}

	view, err := h.manager.GetSessionIncludingTerminated(c.UserContext(), s.ID(), manager.GetOptions{})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(view)
}

// GetSession returns a live or archived session by id or alias
// @Summary Get session
// @Tags sessions
// @Produce json
// @Param id path string true "Session id or alias"
// @Success 200 {object} manager.View
// @Failure 404 {object} map[string]string
// @Router /v1/sessions/{id} [get]
func (h *SessionsHandler) GetSession(c *fiber.Ctx) error {
	view, err := h.manager.GetSessionIncludingTerminated(c.UserContext(), c.Params("id"), manager.GetOptions{
		LoadFromDisk: true,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(view)
}

// GetHistory returns a session's buffered output
// @Summary Get session history
// @Tags sessions
// @Produce json
// @Param id path string true "Session id or alias"
// @Param format query string false "text adds a rendered plain-text screen"
// @Success 200 {object} manager.History
// @Failure 404 {object} map[string]string
// @Router /v1/sessions/{id}/history [get]
func (h *SessionsHandler) GetHistory(c *fiber.Ctx) error {
	history, err := h.manager.GetSessionHistory(c.UserContext(), c.Params("id"), manager.HistoryOptions{
		LoadFromDisk: true,
		PlainText:    c.Query("format") == "text",
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(history)
}

// ResizeSession changes a live session's terminal size
// @Summary Resize session
// @Tags sessions
// @Accept json
// @Param id path string true "Session id or alias"
// @Param size body ResizeMsg true "New size"
// @Success 204
// @Router /v1/sessions/{id}/resize [post]
func (h *SessionsHandler) ResizeSession(c *fiber.Ctx) error {
	var req ResizeMsg
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid json"})
	}
	s, err := h.manager.GetSession(c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	if err := s.Resize(req.Cols, req.Rows); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteSession terminates a live session and archives it
// @Summary Terminate session
// @Tags sessions
// @Produce json
// @Param id path string true "Session id or alias"
// @Success 200 {object} DeleteSessionResponse
// @Failure 404 {object} map[string]string
// @Router /v1/sessions/{id} [delete]
func (h *SessionsHandler) DeleteSession(c *fiber.Ctx) error {
	token := c.Params("id")
	id, ok := h.manager.ResolveIDFromAliasOrID(token)
	if !ok {
		id = token
	}
	if err := h.manager.TerminateSession(c.UserContext(), token, "terminated by request"); err != nil {
		return respondError(c, err)
	}
	return c.JSON(DeleteSessionResponse{
		Message:   "Session terminated",
		SessionID: id,
	})
}
