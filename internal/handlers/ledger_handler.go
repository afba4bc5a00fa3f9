package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"beanbrain/internal/services"
)

// LedgerHandler exposes direct append, NL extraction, and account listing.
type LedgerHandler struct {
	ledgerService     *services.LedgerService
	extractionService *services.ExtractionService
	location          *time.Location
	logger            *logrus.Logger
}

// NewLedgerHandler creates the ledger handler. location is the timezone
// naive dates in requests are interpreted in.
func NewLedgerHandler(ledgerService *services.LedgerService, extractionService *services.ExtractionService, location *time.Location, logger *logrus.Logger) *LedgerHandler {
	if location == nil {
		location = time.UTC
	}
	return &LedgerHandler{
		ledgerService:     ledgerService,
		extractionService: extractionService,
		location:          location,
		logger:            logger,
	}
}

// AppendResponse reports what a committed append did to the file.
type AppendResponse struct {
	Fragment       string   `json:"fragment"`
	OpenedAccounts []string `json:"opened_accounts"`
	Date           string   `json:"date"`
	Narration      string   `json:"narration"`
}

// CreateTransaction appends a transaction from an explicit intent.
// @Summary Append transaction
// @Description Validate and append a transaction to the ledger file
// @Tags ledger
// @Accept json
// @Produce json
// @Param intent body services.TransactionIntent true "Transaction intent"
// @Success 201 {object} AppendResponse
// @Failure 400 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/ledger/transactions [post]
func (h *LedgerHandler) CreateTransaction(c *gin.Context) {
	var intent services.TransactionIntent
	if err := c.ShouldBindJSON(&intent); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	result, tx, err := h.ledgerService.AppendIntent(c.Request.Context(), intent, h.location)
	if err != nil {
		h.logger.Errorf("Failed to append transaction: %v", err)
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, AppendResponse{
		Fragment:       result.Fragment,
		OpenedAccounts: result.Opened,
		Date:           tx.Date.Format("2006-01-02"),
		Narration:      tx.Narration,
	})
}

// ExtractTransaction turns free text into a transaction and appends it.
// @Summary Extract and append
// @Description Extract a transaction from natural language and append it
// @Tags ledger
// @Accept json
// @Produce json
// @Router /api/ledger/extract [post]
func (h *LedgerHandler) ExtractTransaction(c *gin.Context) {
	var req struct {
		Text   string `json:"text" binding:"required"`
		DryRun bool   `json:"dry_run"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "Invalid request body",
			Message: err.Error(),
		})
		return
	}

	if req.DryRun {
		intent, err := h.extractionService.Extract(c.Request.Context(), req.Text)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"intent": intent})
		return
	}

	intent, result, tx, err := h.extractionService.ExtractAndAppend(c.Request.Context(), req.Text)
	if err != nil {
		h.logger.Errorf("Extraction append failed: %v", err)
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"intent": intent,
		"result": AppendResponse{
			Fragment:       result.Fragment,
			OpenedAccounts: result.Opened,
			Date:           tx.Date.Format("2006-01-02"),
			Narration:      tx.Narration,
		},
	})
}

// ListAccounts returns accounts currently opened in the ledger.
// Pass ?grouped=true to get them keyed by root (Assets, Expenses, ...).
func (h *LedgerHandler) ListAccounts(c *gin.Context) {
	if c.Query("grouped") == "true" {
		grouped, err := h.ledgerService.GroupedAccounts(c.Request.Context())
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, grouped)
		return
	}

	accounts, err := h.ledgerService.Accounts(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

// RegisterLedgerRoutes wires the ledger endpoints.
func RegisterLedgerRoutes(r *gin.RouterGroup, handler *LedgerHandler) {
	ledger := r.Group("/ledger")
	{
		ledger.POST("/transactions", handler.CreateTransaction)
		ledger.POST("/extract", handler.ExtractTransaction)
		ledger.GET("/accounts", handler.ListAccounts)
	}
}
