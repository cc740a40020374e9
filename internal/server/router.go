package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"github.com/MarcoPoloResearchLab/wordsync/internal/store"
	"github.com/MarcoPoloResearchLab/wordsync/internal/syncengine"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errMissingEngine = errors.New("sync engine dependency required")

type Dependencies struct {
	Engine         *syncengine.Engine
	MetricsHandler http.Handler
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler wires the local sync API used by UI callers.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		engine: deps.Engine,
		logger: logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	syncGroup := router.Group("/sync")
	syncGroup.POST("", handler.handleStartSync)
	syncGroup.GET("/status", handler.handleStatus)
	syncGroup.GET("/operations/:id", handler.handleProgress)
	syncGroup.GET("/conflicts", handler.handleListConflicts)
	syncGroup.POST("/conflicts/:id/resolve", handler.handleResolveConflict)
	syncGroup.PUT("/auto", handler.handleSetAutoSync)

	entityGroup := router.Group("/entities/:type")
	entityGroup.GET("", handler.handleListEntities)
	entityGroup.GET("/:id", handler.handleGetEntity)
	entityGroup.PUT("/:id", handler.handleSaveEntity)
	entityGroup.DELETE("/:id", handler.handleDeleteEntity)
	entityGroup.POST("/:id/dirty", handler.handleMarkDirty)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	engine *syncengine.Engine
	logger *zap.Logger
}

type startSyncRequestPayload struct {
	Scope string `json:"scope"`
}

type startSyncResponsePayload struct {
	OperationID string `json:"operationId"`
}

type statusResponsePayload struct {
	State              string  `json:"state"`
	PendingChanges     int64   `json:"pendingChanges"`
	UnresolvedCount    int64   `json:"unresolvedConflicts"`
	LastSyncTime       *int64  `json:"lastSyncTime"`
	CurrentOperationID *string `json:"currentOperationId"`
	AutoSyncEnabled    bool    `json:"autoSyncEnabled"`
}

type progressResponsePayload struct {
	OperationID string  `json:"operationId"`
	Status      string  `json:"status"`
	ItemsSynced int64   `json:"itemsSynced"`
	TotalItems  int64   `json:"totalItems"`
	Percentage  float64 `json:"percentage"`
}

type conflictPayload struct {
	ID             string          `json:"id"`
	EntityType     string          `json:"entityType"`
	EntityID       string          `json:"entityId"`
	LocalModified  int64           `json:"localModifiedAt"`
	RemoteModified int64           `json:"remoteModifiedAt"`
	LocalSnapshot  json.RawMessage `json:"localSnapshot"`
	RemoteSnapshot json.RawMessage `json:"remoteSnapshot"`
	RemoteDeleted  bool            `json:"remoteDeleted"`
	State          string          `json:"state"`
	Resolved       bool            `json:"resolved"`
	Resolution     *string         `json:"resolution"`
	DetectedAt     int64           `json:"detectedAt"`
	ResolvedAt     *int64          `json:"resolvedAt"`
}

type resolveRequestPayload struct {
	Resolution string `json:"resolution"`
}

type autoSyncRequestPayload struct {
	Enabled *bool `json:"enabled"`
}

type entityPayload struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	SyncStatus string          `json:"syncStatus"`
	UpdatedAt  int64           `json:"updatedAt"`
	Fields     json.RawMessage `json:"fields"`
}

type saveEntityRequestPayload struct {
	Fields json.RawMessage `json:"fields"`
}

func (h *httpHandler) handleStartSync(c *gin.Context) {
	var request startSyncRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	scope := entities.ScopeFull
	if request.Scope != "" {
		parsed, err := entities.ParseScope(request.Scope)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_scope"})
			return
		}
		scope = parsed
	}

	operationID, err := h.engine.StartSync(c.Request.Context(), scope)
	if err != nil {
		h.respondEngineError(c, "sync_start_failed", err)
		return
	}
	c.JSON(http.StatusAccepted, startSyncResponsePayload{OperationID: operationID})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.engine.Status(c.Request.Context())
	if err != nil {
		h.respondEngineError(c, "status_failed", err)
		return
	}
	c.JSON(http.StatusOK, statusResponsePayload{
		State:              string(status.State),
		PendingChanges:     status.PendingChanges,
		UnresolvedCount:    status.UnresolvedCount,
		LastSyncTime:       status.LastSyncTimeMs,
		CurrentOperationID: status.CurrentOperationID,
		AutoSyncEnabled:    status.AutoSyncEnabled,
	})
}

func (h *httpHandler) handleProgress(c *gin.Context) {
	progress, err := h.engine.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondEngineError(c, "progress_failed", err)
		return
	}
	c.JSON(http.StatusOK, progressResponsePayload{
		OperationID: progress.OperationID,
		Status:      string(progress.Status),
		ItemsSynced: progress.ItemsSynced,
		TotalItems:  progress.TotalItems,
		Percentage:  progress.Percentage,
	})
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	unresolvedOnly := true
	if raw := c.Query("unresolved"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
		unresolvedOnly = parsed
	}

	conflicts, err := h.engine.ListConflicts(c.Request.Context(), unresolvedOnly)
	if err != nil {
		h.respondEngineError(c, "conflicts_failed", err)
		return
	}
	response := make([]conflictPayload, 0, len(conflicts))
	for _, conflict := range conflicts {
		response = append(response, toConflictPayload(conflict))
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": response})
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resolution, err := syncengine.ParseResolution(request.Resolution)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolution"})
		return
	}

	resolved, err := h.engine.ResolveConflict(c.Request.Context(), c.Param("id"), resolution)
	if err != nil {
		h.respondEngineError(c, "resolve_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": resolved})
}

func (h *httpHandler) handleSetAutoSync(c *gin.Context) {
	var request autoSyncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	enabled, err := h.engine.SetAutoSync(c.Request.Context(), *request.Enabled)
	if err != nil {
		h.respondEngineError(c, "auto_sync_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"autoSyncEnabled": enabled})
}

func (h *httpHandler) handleListEntities(c *gin.Context) {
	entityType, ok := h.entityType(c)
	if !ok {
		return
	}
	loaded, err := h.engine.Entities(c.Request.Context(), entityType)
	if err != nil {
		h.respondEngineError(c, "entities_failed", err)
		return
	}
	response := make([]entityPayload, 0, len(loaded))
	for _, entity := range loaded {
		payload, err := toEntityPayload(entity)
		if err != nil {
			h.respondEngineError(c, "entities_failed", err)
			return
		}
		response = append(response, payload)
	}
	c.JSON(http.StatusOK, gin.H{"entities": response})
}

func (h *httpHandler) handleGetEntity(c *gin.Context) {
	entityType, ok := h.entityType(c)
	if !ok {
		return
	}
	entity, err := h.engine.Entity(c.Request.Context(), entityType, c.Param("id"))
	if err != nil {
		h.respondEngineError(c, "entity_failed", err)
		return
	}
	h.respondEntity(c, entity)
}

func (h *httpHandler) handleSaveEntity(c *gin.Context) {
	entityType, ok := h.entityType(c)
	if !ok {
		return
	}
	var request saveEntityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entity, err := entities.Decode(entityType, c.Param("id"), request.Fields)
	if err != nil {
		h.respondEngineError(c, "invalid_fields", err)
		return
	}
	if err := h.engine.SaveEntity(c.Request.Context(), entity); err != nil {
		h.respondEngineError(c, "save_failed", err)
		return
	}
	h.respondEntity(c, entity)
}

func (h *httpHandler) handleDeleteEntity(c *gin.Context) {
	entityType, ok := h.entityType(c)
	if !ok {
		return
	}
	if err := h.engine.DeleteEntity(c.Request.Context(), entityType, c.Param("id")); err != nil {
		h.respondEngineError(c, "delete_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleMarkDirty(c *gin.Context) {
	entityType, ok := h.entityType(c)
	if !ok {
		return
	}
	if err := h.engine.MarkDirty(c.Request.Context(), entityType, c.Param("id")); err != nil {
		h.respondEngineError(c, "mark_dirty_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) entityType(c *gin.Context) (entities.EntityType, bool) {
	entityType, err := entities.ParseEntityType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
		return "", false
	}
	return entityType, true
}

func (h *httpHandler) respondEntity(c *gin.Context, entity entities.Syncable) {
	payload, err := toEntityPayload(entity)
	if err != nil {
		h.respondEngineError(c, "encode_failed", err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) respondEngineError(c *gin.Context, fallback string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, syncengine.ErrConflictNotFound),
		errors.Is(err, syncengine.ErrEntityNotFound),
		errors.Is(err, syncengine.ErrOperationNotFound):
		status = http.StatusNotFound
	case errors.Is(err, syncengine.ErrSyncInProgress),
		errors.Is(err, syncengine.ErrConflictAlreadyResolved),
		errors.Is(err, syncengine.ErrResolutionInProgress),
		errors.Is(err, syncengine.ErrConflictChanged),
		errors.Is(err, syncengine.ErrEntityInConflict):
		status = http.StatusConflict
	case errors.Is(err, syncengine.ErrNetworkUnavailable),
		errors.Is(err, syncengine.ErrAccountUnavailable),
		errors.Is(err, syncengine.ErrEngineClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, syncengine.ErrRemoteStoreFailure):
		status = http.StatusBadGateway
	case errors.Is(err, syncengine.ErrUnknownResolution),
		errors.Is(err, entities.ErrDecodeFailure),
		errors.Is(err, entities.ErrInvalidEntityID):
		status = http.StatusBadRequest
	}

	response := gin.H{"error": fallback}
	var serviceErr *syncengine.ServiceError
	if errors.As(err, &serviceErr) {
		response["code"] = serviceErr.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("local api request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, response)
}

func toConflictPayload(conflict store.SyncConflict) conflictPayload {
	payload := conflictPayload{
		ID:             conflict.ID,
		EntityType:     conflict.EntityType,
		EntityID:       conflict.EntityID,
		LocalModified:  conflict.LocalModifiedAtMs,
		RemoteModified: conflict.RemoteModifiedAtMs,
		LocalSnapshot:  rawSnapshot(conflict.LocalSnapshot),
		RemoteSnapshot: rawSnapshot(conflict.RemoteSnapshot),
		RemoteDeleted:  conflict.RemoteDeleted,
		State:          string(conflict.State),
		Resolved:       conflict.Resolved,
		DetectedAt:     conflict.DetectedAtMs,
		ResolvedAt:     conflict.ResolvedAtMs,
	}
	if conflict.Resolution != nil {
		resolution := string(*conflict.Resolution)
		payload.Resolution = &resolution
	}
	return payload
}

// rawSnapshot embeds a stored snapshot verbatim when it is valid JSON.
func rawSnapshot(snapshot string) json.RawMessage {
	if snapshot == "" || !json.Valid([]byte(snapshot)) {
		return json.RawMessage("null")
	}
	return json.RawMessage(snapshot)
}

func toEntityPayload(entity entities.Syncable) (entityPayload, error) {
	fields, err := entity.RecordFields()
	if err != nil {
		return entityPayload{}, err
	}
	meta := entity.Meta()
	return entityPayload{
		ID:         meta.ID,
		Type:       entity.EntityType().String(),
		SyncStatus: string(meta.SyncStatus),
		UpdatedAt:  meta.UpdatedAtMs,
		Fields:     fields,
	}, nil
}
