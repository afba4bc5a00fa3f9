package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"beanbrain/internal/ledger"
	"beanbrain/internal/models"
	"beanbrain/internal/scheduler"
	"beanbrain/internal/services"
	"beanbrain/pkg/llm"
)

type stubCompleter struct {
	response string
}

func (s *stubCompleter) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	return s.response, nil
}

func newTestRouter(t *testing.T, completer llm.ChatCompleter) (*gin.Engine, *services.AutomationService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:handlers_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Automation{}, &models.AutomationRun{}))

	path := filepath.Join(t.TempDir(), "ledger.beancount")
	engine := ledger.NewEngine(path, ledger.NewMemLock(time.Second), logger)
	ledgerSvc := services.NewLedgerService(engine, logger)
	if completer == nil {
		completer = &stubCompleter{}
	}
	extractionSvc := services.NewExtractionService(completer, ledgerSvc, "USD", logger)

	sched := scheduler.New(scheduler.Config{}, func(context.Context, scheduler.Job) error { return nil }, logger)
	automationSvc := services.NewAutomationService(db, sched, ledgerSvc, "UTC", logger)

	r := gin.New()
	api := r.Group("/api")
	RegisterAutomationRoutes(api, NewAutomationHandler(automationSvc, logger))
	RegisterLedgerRoutes(api, NewLedgerHandler(ledgerSvc, extractionSvc, time.UTC, logger))
	return r, automationSvc
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAutomationHandler_CRUD(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	// Create.
	w := doJSON(t, r, http.MethodPost, "/api/automations", gin.H{
		"name":         "rent",
		"frequency":    "MONTHLY",
		"day_of_month": 1,
		"payload": gin.H{
			"amount": "1200", "currency": "USD",
			"from": "Assets:Checking", "to": "Expenses:Rent",
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	// List carries the scheduler's next fire time.
	w = doJSON(t, r, http.MethodGet, "/api/automations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var views []struct {
		models.Automation
		NextRunAt *time.Time `json:"next_run_at"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.NotNil(t, views[0].NextRunAt)

	// Get.
	w = doJSON(t, r, http.MethodGet, "/api/automations/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodGet, "/api/automations/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Update, via both verbs the route accepts.
	w = doJSON(t, r, http.MethodPut, "/api/automations/"+created.ID, gin.H{"name": "rent v2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doJSON(t, r, http.MethodPatch, "/api/automations/"+created.ID, gin.H{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Delete.
	w = doJSON(t, r, http.MethodDelete, "/api/automations/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(t, r, http.MethodGet, "/api/automations/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAutomationHandler_BadRecurrenceIs400(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPost, "/api/automations", gin.H{
		"name":      "x",
		"frequency": "SOMETIMES",
	})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.Message, "frequency")
}

func TestAutomationHandler_ManualRunAndAudit(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPost, "/api/automations", gin.H{
		"name": "groceries", "frequency": "DAILY",
		"payload": gin.H{
			"amount": "42.50", "currency": "USD",
			"from": "Assets:Checking", "to": "Expenses:Groceries",
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.Automation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(t, r, http.MethodPost, "/api/automations/"+created.ID+"/run", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doJSON(t, r, http.MethodPost, "/api/automations/ghost/run", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/automations/"+created.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var runs []models.AutomationRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, "success", runs[0].Status)
	assert.Equal(t, "manual", runs[0].Source)
}

func TestLedgerHandler_AppendAndAccounts(t *testing.T) {
	r, _ := newTestRouter(t, nil)

	w := doJSON(t, r, http.MethodPost, "/api/ledger/transactions", gin.H{
		"amount": "10", "currency": "USD",
		"from_account": "Assets:Cash", "to_account": "Expenses:Food",
		"narration": "lunch",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp AppendResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.OpenedAccounts, 2)
	assert.Contains(t, resp.Fragment, "Expenses:Food")

	// Missing destination is the caller's fault.
	w = doJSON(t, r, http.MethodPost, "/api/ledger/transactions", gin.H{
		"amount": "10", "currency": "USD", "from_account": "Assets:Cash",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodGet, "/api/ledger/accounts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var accounts struct {
		Accounts []string `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accounts))
	assert.Len(t, accounts.Accounts, 2)

	w = doJSON(t, r, http.MethodGet, "/api/ledger/accounts?grouped=true", nil)
	var grouped map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grouped))
	assert.Len(t, grouped["Assets"], 1)
	assert.Len(t, grouped["Expenses"], 1)
}

func TestLedgerHandler_Extract(t *testing.T) {
	stub := &stubCompleter{response: `{"amount_value": 5, "currency": "USD", "from_account": "Assets:Cash", "to_account": "Expenses:Coffee", "narration": "coffee", "payee": ""}`}
	r, _ := newTestRouter(t, stub)

	w := doJSON(t, r, http.MethodPost, "/api/ledger/extract", gin.H{"text": "coffee five bucks"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Intent services.TransactionIntent `json:"intent"`
		Result AppendResponse             `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Expenses:Coffee", resp.Intent.To)
	assert.Contains(t, resp.Result.Fragment, "coffee")

	// Dry run extracts without touching the file.
	w = doJSON(t, r, http.MethodPost, "/api/ledger/extract", gin.H{"text": "coffee", "dry_run": true})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, r, http.MethodPost, "/api/ledger/extract", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
