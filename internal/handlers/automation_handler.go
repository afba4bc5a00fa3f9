package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"beanbrain/internal/models"
	"beanbrain/internal/services"
)

// automationView decorates a stored automation with the live next fire
// time from the scheduler.
type automationView struct {
	models.Automation
	NextRunAt *time.Time `json:"next_run_at"`
}

// AutomationHandler exposes CRUD and manual-run endpoints for recurring
// transactions.
type AutomationHandler struct {
	automationService *services.AutomationService
	logger            *logrus.Logger
}

// NewAutomationHandler creates the automation handler.
func NewAutomationHandler(automationService *services.AutomationService, logger *logrus.Logger) *AutomationHandler {
	return &AutomationHandler{
		automationService: automationService,
		logger:            logger,
	}
}

// CreateAutomation registers a new recurring transaction.
// @Summary Create automation
// @Description Create a recurring transaction with a validated schedule
// @Tags automations
// @Accept json
// @Produce json
// @Param automation body services.AutomationRequest true "Automation definition"
// @Success 201 {object} models.Automation
// @Failure 400 {object} ErrorResponse
// @Router /api/automations [post]
func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	var req services.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	automation, err := h.automationService.Create(c.Request.Context(), &req)
	if err != nil {
		h.logger.Errorf("Failed to create automation: %v", err)
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, automation)
}

// ListAutomations returns all automations with their next fire time.
// @Summary List automations
// @Tags automations
// @Produce json
// @Success 200 {array} models.Automation
// @Router /api/automations [get]
func (h *AutomationHandler) ListAutomations(c *gin.Context) {
	automations, err := h.automationService.List(c.Request.Context())
	if err != nil {
		h.logger.Errorf("Failed to list automations: %v", err)
		respondError(c, h.logger, err)
		return
	}

	views := make([]automationView, 0, len(automations))
	for i := range automations {
		views = append(views, automationView{
			Automation: automations[i],
			NextRunAt:  nextOrNil(h.automationService.NextFire(automations[i].ID)),
		})
	}

	c.JSON(http.StatusOK, views)
}

// GetAutomation returns a single automation by ID.
func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	automation, err := h.automationService.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, automationView{
		Automation: *automation,
		NextRunAt:  nextOrNil(h.automationService.NextFire(automation.ID)),
	})
}

// UpdateAutomation applies a partial update and reschedules.
// @Summary Update automation
// @Tags automations
// @Accept json
// @Produce json
// @Param id path string true "Automation ID"
// @Param automation body services.AutomationUpdateRequest true "Fields to change"
// @Success 200 {object} models.Automation
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/automations/{id} [put]
func (h *AutomationHandler) UpdateAutomation(c *gin.Context) {
	var req services.AutomationUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	automation, err := h.automationService.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		h.logger.Errorf("Failed to update automation %s: %v", c.Param("id"), err)
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, automation)
}

// DeleteAutomation removes an automation and cancels its schedule.
func (h *AutomationHandler) DeleteAutomation(c *gin.Context) {
	id := c.Param("id")
	if err := h.automationService.Delete(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Automation deleted",
		Data:    gin.H{"id": id},
	})
}

// RunAutomation fires an automation immediately, outside its schedule.
// The run still goes through the same guard and audit path as a timed fire.
func (h *AutomationHandler) RunAutomation(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.automationService.Get(c.Request.Context(), id); err != nil {
		respondError(c, h.logger, err)
		return
	}

	if err := h.automationService.ExecuteByID(c.Request.Context(), id, time.Now(), "manual"); err != nil {
		h.logger.Errorf("Manual run of automation %s failed: %v", id, err)
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Automation executed",
		Data:    gin.H{"id": id},
	})
}

// GetAutomationRuns returns the audit trail for one automation.
// @Summary List automation runs
// @Tags automations
// @Produce json
// @Param id path string true "Automation ID"
// @Param limit query int false "Max rows (default 50, cap 200)"
// @Success 200 {array} models.AutomationRun
// @Router /api/automations/{id}/runs [get]
func (h *AutomationHandler) GetAutomationRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		limit = 50
	}

	runs, err := h.automationService.Runs(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, runs)
}

func nextOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// RegisterAutomationRoutes wires the automation endpoints.
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	automations := r.Group("/automations")
	{
		automations.POST("", handler.CreateAutomation)
		automations.GET("", handler.ListAutomations)
		automations.GET("/:id", handler.GetAutomation)
		automations.PUT("/:id", handler.UpdateAutomation)
		automations.PATCH("/:id", handler.UpdateAutomation)
		automations.DELETE("/:id", handler.DeleteAutomation)
		automations.POST("/:id/run", handler.RunAutomation)
		automations.GET("/:id/runs", handler.GetAutomationRuns)
	}
}
