package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/studiosync/internal/auth"
	"github.com/MarcoPoloResearchLab/studiosync/internal/broadcast"
	"github.com/MarcoPoloResearchLab/studiosync/internal/members"
	"github.com/MarcoPoloResearchLab/studiosync/internal/reconcile"
	"github.com/MarcoPoloResearchLab/studiosync/internal/studio"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "studiosync_claims"
	serviceKeyHeader = "X-Service-Key"
)

var (
	errMissingTokenAuthority = errors.New("token authority dependency required")
	errMissingStudioService  = errors.New("studio service dependency required")
	errMissingMembers        = errors.New("membership service dependency required")
	errMissingHub            = errors.New("broadcast hub dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenAuthority issues and validates studio access tokens.
type TokenAuthority interface {
	IssueAccessToken(ctx context.Context, identity auth.Identity) (string, int64, error)
	ValidateToken(token string) (auth.AccessClaims, error)
}

// StudioStore is the snapshot store behind the tenant endpoints.
type StudioStore interface {
	LoadView(ctx context.Context, tenantID string) (reconcile.View, error)
	UpsertTask(ctx context.Context, tenantID string, task reconcile.Task) (reconcile.Task, error)
	DeleteTask(ctx context.Context, tenantID string, taskID string) error
	UpsertQuote(ctx context.Context, tenantID string, quote reconcile.Quote) (reconcile.Quote, error)
}

// MembershipStore grants and checks tenant memberships.
type MembershipStore interface {
	Grant(ctx context.Context, tenantID, userID, role string) error
	IsMember(ctx context.Context, tenantID, userID string) (bool, error)
	TenantsFor(ctx context.Context, userID string) ([]string, error)
}

type Dependencies struct {
	Tokens  TokenAuthority
	Studio  StudioStore
	Members MembershipStore
	Hub     *broadcast.Hub
	// ServiceKey enables POST /auth/token for callers presenting it. Empty disables the endpoint.
	ServiceKey string
	Logger     *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenAuthority
	}
	if deps.Studio == nil {
		return nil, errMissingStudioService
	}
	if deps.Members == nil {
		return nil, errMissingMembers
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:     deps.Tokens,
		studio:     deps.Studio,
		members:    deps.Members,
		hub:        deps.Hub,
		serviceKey: deps.ServiceKey,
		logger:     logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)
	router.GET("/channels/:topic/socket", handler.handleChannelSocket)

	tenants := router.Group("/tenants/:tenant")
	tenants.Use(handler.authorizeRequest, handler.requireTenant)
	tenants.GET("/view", handler.handleLoadView)
	tenants.POST("/tasks", handler.handleUpsertTask)
	tenants.DELETE("/tasks/:id", handler.handleDeleteTask)
	tenants.POST("/quotes", handler.handleUpsertQuote)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", serviceKeyHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens     TokenAuthority
	studio     StudioStore
	members    MembershipStore
	hub        *broadcast.Hub
	serviceKey string
	logger     *zap.Logger
}

type tokenRequestPayload struct {
	UserID    string   `json:"user_id"`
	Email     string   `json:"email"`
	TenantIDs []string `json:"tenant_ids"`
}

type tokenResponsePayload struct {
	AccessToken string   `json:"access_token"`
	ExpiresIn   int64    `json:"expires_in"`
	TokenType   string   `json:"token_type"`
	TenantIDs   []string `json:"tenant_ids"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	if h.serviceKey == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	presented := c.GetHeader(serviceKeyHeader)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(h.serviceKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var request tokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := strings.TrimSpace(request.UserID)
	ctx := c.Request.Context()

	for _, tenantID := range request.TenantIDs {
		if err := h.members.Grant(ctx, tenantID, userID, members.RoleMember); err != nil {
			h.logger.Warn("membership grant failed", zap.String("tenant_id", tenantID), zap.String("user_id", userID), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tenant"})
			return
		}
	}
	tenantIDs, err := h.members.TenantsFor(ctx, userID)
	if err != nil {
		h.logger.Error("membership lookup failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership_lookup_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueAccessToken(ctx, auth.Identity{
		UserID:    userID,
		Email:     strings.TrimSpace(request.Email),
		TenantIDs: tenantIDs,
	})
	if err != nil {
		h.logger.Error("failed to issue access token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		TenantIDs:   tenantIDs,
	})
}

func (h *httpHandler) handleLoadView(c *gin.Context) {
	tenantID := c.Param("tenant")
	view, err := h.studio.LoadView(c.Request.Context(), tenantID)
	if err != nil {
		h.respondStoreError(c, "load view failed", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleUpsertTask(c *gin.Context) {
	var task reconcile.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	saved, err := h.studio.UpsertTask(c.Request.Context(), c.Param("tenant"), task)
	if err != nil {
		h.respondStoreError(c, "task upsert failed", err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *httpHandler) handleDeleteTask(c *gin.Context) {
	if err := h.studio.DeleteTask(c.Request.Context(), c.Param("tenant"), c.Param("id")); err != nil {
		h.respondStoreError(c, "task delete failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleUpsertQuote(c *gin.Context) {
	var quote reconcile.Quote
	if err := c.ShouldBindJSON(&quote); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	saved, err := h.studio.UpsertQuote(c.Request.Context(), c.Param("tenant"), quote)
	if err != nil {
		h.respondStoreError(c, "quote upsert failed", err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *httpHandler) respondStoreError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, studio.ErrTaskNotFound), errors.Is(err, studio.ErrQuoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, studio.ErrInvalidTenantID), errors.Is(err, studio.ErrInvalidEntityID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error(message, zap.String("tenant_id", c.Param("tenant")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store_failed"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(claimsContextKey, claims)
	c.Next()
}

// requireTenant admits requests whose token names the tenant and whose subject
// still holds a membership.
func (h *httpHandler) requireTenant(c *gin.Context) {
	claims, ok := c.MustGet(claimsContextKey).(auth.AccessClaims)
	tenantID := c.Param("tenant")
	if !ok || !claims.HasTenant(tenantID) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	member, err := h.members.IsMember(c.Request.Context(), tenantID, claims.Subject)
	if err != nil {
		h.logger.Error("membership lookup failed", zap.String("tenant_id", tenantID), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "membership_lookup_failed"})
		return
	}
	if !member {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

func bearerToken(header string) (string, bool) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}
