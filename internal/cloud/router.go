package cloud

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/wordsync/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const accountIDContextKey = "wordsync_account_id"

var (
	errMissingService        = errors.New("cloud service dependency required")
	errMissingTokenValidator = errors.New("token validator dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to an account id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Service        *Service
	Tokens         TokenValidator
	Metrics        *metrics.CloudCollectors
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewHTTPHandler wires the record API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Service == nil {
		return nil, errMissingService
	}
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		service: deps.Service,
		tokens:  deps.Tokens,
		metrics: deps.Metrics,
		logger:  logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/account", handler.handleAccount)
	protected.PUT("/records/:type/:id", handler.handleSaveRecord)
	protected.DELETE("/records/:type/:id", handler.handleDeleteRecord)
	protected.GET("/records/:type/changes", handler.handleChanges)

	return router, nil
}

type httpHandler struct {
	service *Service
	tokens  TokenValidator
	metrics *metrics.CloudCollectors
	logger  *zap.Logger
}

type accountResponsePayload struct {
	Status    string `json:"status"`
	AccountID string `json:"accountId"`
}

type saveRequestPayload struct {
	Fields json.RawMessage `json:"fields"`
}

type systemFieldsPayload struct {
	RecordID   string `json:"recordId"`
	ModifiedAt int64  `json:"modifiedAt"`
	Version    int64  `json:"version"`
}

type changesResponsePayload struct {
	Changes []remote.RecordChange `json:"changes"`
	Token   string                `json:"token"`
}

func (h *httpHandler) handleAccount(c *gin.Context) {
	accountID := AccountID(c.GetString(accountIDContextKey))
	account, err := h.service.Account(c.Request.Context(), accountID)
	if err != nil {
		h.respondServiceError(c, "account_failed", err)
		return
	}
	c.JSON(http.StatusOK, accountResponsePayload{
		Status:    string(account.Status),
		AccountID: account.AccountID,
	})
}

func (h *httpHandler) handleSaveRecord(c *gin.Context) {
	accountID := AccountID(c.GetString(accountIDContextKey))
	recordType, ok := h.recordType(c)
	if !ok {
		return
	}

	var request saveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	saved, err := h.service.SaveRecord(c.Request.Context(), accountID, recordType, c.Param("id"), request.Fields)
	h.metrics.ObserveRequest("save", err == nil)
	if err != nil {
		h.respondServiceError(c, "save_failed", err)
		return
	}
	c.JSON(http.StatusOK, systemFieldsPayload{
		RecordID:   saved.RecordID,
		ModifiedAt: saved.ModifiedAtMs,
		Version:    saved.Version,
	})
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	accountID := AccountID(c.GetString(accountIDContextKey))
	recordType, ok := h.recordType(c)
	if !ok {
		return
	}

	err := h.service.DeleteRecord(c.Request.Context(), accountID, recordType, c.Param("id"))
	h.metrics.ObserveRequest("delete", err == nil)
	if err != nil {
		h.respondServiceError(c, "delete_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	accountID := AccountID(c.GetString(accountIDContextKey))
	recordType, ok := h.recordType(c)
	if !ok {
		return
	}

	page, err := h.service.ChangesSince(c.Request.Context(), accountID, recordType, c.Query("since"))
	h.metrics.ObserveRequest("changes", err == nil)
	if err != nil {
		h.respondServiceError(c, "changes_failed", err)
		return
	}

	c.JSON(http.StatusOK, changesResponsePayload{
		Changes: toRecordChanges(page.Changes),
		Token:   FormatToken(page.Token),
	})
}

func (h *httpHandler) recordType(c *gin.Context) (entities.EntityType, bool) {
	recordType, err := entities.ParseEntityType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_record_type"})
		return "", false
	}
	return recordType, true
}

func (h *httpHandler) respondServiceError(c *gin.Context, fallback string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrAccountRestricted):
		status = http.StatusForbidden
	case errors.Is(err, ErrInvalidRecordID), errors.Is(err, ErrInvalidToken), errors.Is(err, entities.ErrDecodeFailure):
		status = http.StatusBadRequest
	}

	response := gin.H{"error": fallback}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		response["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("cloud request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, response)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	accountID, err := NewAccountID(subject)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(accountIDContextKey, accountID.String())
	c.Next()
}
