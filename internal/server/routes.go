package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/sitechat/internal/fetch"
	"github.com/zulandar/sitechat/internal/orchestration"
	"github.com/zulandar/sitechat/internal/tenant"
)

// User-facing messages.
const (
	msgNotInitialized = "Tenant session not initialized. Scrape website first."
	msgScrapeFailed   = "Failed to scrape website."
	msgScrapeTimeout  = "Timed out fetching website."
	msgRetrieval      = "Retrieval store unavailable."
	msgInternal       = "Internal error."
)

type scrapeRequest struct {
	TenantID   string `json:"tenant_id"`
	WebsiteURL string `json:"website_url"`
}

type chatRequest struct {
	TenantID       string `json:"tenant_id"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
}

type tenantView struct {
	TenantID   string    `json:"tenant_id"`
	WebsiteURL string    `json:"website_url"`
	LastAccess time.Time `json:"last_access"`
}

// registerRoutes sets up all routes on the gin router.
func registerRoutes(router *gin.Engine, flows Flows, tenants Tenants) {
	router.POST("/scrape", handleScrape(flows))
	router.POST("/chat", handleChat(flows))
	router.GET("/tenants", handleListTenants(tenants))
	router.DELETE("/tenants/:tenant_id", handleDeleteTenant(tenants))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

func handleScrape(flows Flows) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scrapeRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.TenantID == "" || req.WebsiteURL == "" {
			fail(c, http.StatusBadRequest, "tenant_id and website_url are required.")
			return
		}
		res, err := flows.Ingest(c.Request.Context(), req.TenantID, req.WebsiteURL)
		if err != nil {
			code, msg := classify(err)
			if code == http.StatusBadRequest {
				msg = errMessage(err)
			}
			fail(c, code, msg)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "success",
			"message": "Website data for " + res.WebsiteURL + " loaded.",
		})
	}
}

func handleChat(flows Flows) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req chatRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.TenantID == "" || strings.TrimSpace(req.Message) == "" {
			fail(c, http.StatusBadRequest, "tenant_id and message are required.")
			return
		}
		res, err := flows.Chat(c.Request.Context(), orchestration.ChatRequest{
			TenantID:       req.TenantID,
			Message:        req.Message,
			ConversationID: req.ConversationID,
		})
		if err != nil {
			code, msg := classify(err)
			if code == http.StatusBadRequest {
				msg = errMessage(err)
			}
			fail(c, code, msg)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":          "success",
			"response":        res.Answer,
			"conversation_id": res.ConversationID,
		})
	}
}

func handleListTenants(tenants Tenants) gin.HandlerFunc {
	return func(c *gin.Context) {
		entries := tenants.Snapshot()
		out := make([]tenantView, len(entries))
		for i, e := range entries {
			out[i] = tenantView{TenantID: e.TenantID, WebsiteURL: e.WebsiteURL, LastAccess: e.LastAccess.UTC()}
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "tenants": out})
	}
}

func handleDeleteTenant(tenants Tenants) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("tenant_id")
		err := tenants.Delete(c.Request.Context(), id)
		switch {
		case err == nil:
		case errors.Is(err, tenant.ErrNotFound):
			fail(c, http.StatusNotFound, "Tenant "+id+" not found.")
			return
		case errors.Is(err, tenant.ErrStorageCleanup):
			// The session is gone; only its storage lingered.
		default:
			fail(c, http.StatusInternalServerError, msgInternal)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Tenant " + id + " deleted."})
	}
}

// classify maps a flow error to an HTTP status and a message safe to show.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, orchestration.ErrInvalidRequest), errors.Is(err, tenant.ErrInvalidTenant):
		return http.StatusBadRequest, ""
	case errors.Is(err, orchestration.ErrTenantNotInitialized):
		return http.StatusNotFound, msgNotInitialized
	case errors.Is(err, fetch.ErrFetchTimeout):
		return http.StatusGatewayTimeout, msgScrapeTimeout
	case errors.Is(err, fetch.ErrFetchFailed):
		return http.StatusBadGateway, msgScrapeFailed
	case errors.Is(err, orchestration.ErrRetrievalUnavailable):
		return http.StatusServiceUnavailable, msgRetrieval
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// errMessage drops the sentinel prefix from a validation error.
func errMessage(err error) string {
	return strings.TrimPrefix(err.Error(), orchestration.ErrInvalidRequest.Error()+": ")
}

func fail(c *gin.Context, code int, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"status": "error", "message": msg})
}
