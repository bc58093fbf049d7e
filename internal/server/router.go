package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/auth"
	"github.com/MarcoPoloResearchLab/tempo/internal/bus"
	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
	"github.com/MarcoPoloResearchLab/tempo/internal/events"
	"github.com/MarcoPoloResearchLab/tempo/internal/syncer"
	"github.com/MarcoPoloResearchLab/tempo/internal/transaction"
	"github.com/cenkalti/backoff/v4"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	subjectContextKey = "tempo_subject"
	roleContextKey    = "tempo_role"

	defaultReadAttempts = 3
	defaultReadWait     = 100 * time.Millisecond
)

var (
	errMissingSessions  = errors.New("session validator dependency required")
	errMissingRequester = errors.New("batch requester dependency required")
	errMissingEntities  = errors.New("entity store dependency required")
	errMissingVersions  = errors.New("version controller dependency required")
	errMissingConflicts = errors.New("conflict repository dependency required")
	errMissingEvents    = errors.New("event dispatcher dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.Claims, error)
}

// BatchRequester submits a batch and waits for its correlated result.
type BatchRequester interface {
	Request(ctx context.Context, role conflict.Role, records []transaction.Record) (bus.Result, error)
}

// VersionController moves entities between versions. syncer.Manager satisfies it.
type VersionController interface {
	Checkout(ctx context.Context, key entity.Key, target string, role conflict.Role) (syncer.Response, error)
	Revert(ctx context.Context, key entity.Key) (syncer.Response, error)
	History(ctx context.Context, key entity.Key) (syncer.History, error)
}

type Dependencies struct {
	Sessions  SessionValidator
	Requester BatchRequester
	Entities  entity.Store
	Versions  VersionController
	Conflicts conflict.Repository
	Events    *events.Dispatcher
	// Publisher receives responses of checkouts and reverts; nil skips publishing.
	Publisher    events.Publisher
	ReadAttempts int
	ReadWait     time.Duration
	Heartbeat    time.Duration
	Logger       *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Requester == nil {
		return nil, errMissingRequester
	}
	if deps.Entities == nil {
		return nil, errMissingEntities
	}
	if deps.Versions == nil {
		return nil, errMissingVersions
	}
	if deps.Conflicts == nil {
		return nil, errMissingConflicts
	}
	if deps.Events == nil {
		return nil, errMissingEvents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	readAttempts := deps.ReadAttempts
	if readAttempts <= 0 {
		readAttempts = defaultReadAttempts
	}
	readWait := deps.ReadWait
	if readWait <= 0 {
		readWait = defaultReadWait
	}
	heartbeat := deps.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:     deps.Sessions,
		requester:    deps.Requester,
		entities:     deps.Entities,
		versions:     deps.Versions,
		conflicts:    deps.Conflicts,
		events:       deps.Events,
		publisher:    deps.Publisher,
		readAttempts: readAttempts,
		readWait:     readWait,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/transactions", handler.handleTransactions)
	protected.GET("/entities/:type/:id", handler.handleReadEntity)
	protected.GET("/entities/:type/:id/versions", handler.handleHistory)
	protected.POST("/entities/:type/:id/checkout", handler.handleCheckout)
	protected.POST("/entities/:type/:id/revert", handler.requireRole(curatorRoles...), handler.handleRevert)
	protected.GET("/conflicts", handler.handleListConflicts)
	protected.POST("/conflicts/:id/solve", handler.requireRole(curatorRoles...), handler.handleSolveConflict)
	protected.GET("/sync/stream", handler.handleStream)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	sessions     SessionValidator
	requester    BatchRequester
	entities     entity.Store
	versions     VersionController
	conflicts    conflict.Repository
	events       *events.Dispatcher
	publisher    events.Publisher
	readAttempts int
	readWait     time.Duration
	heartbeat    time.Duration
	logger       *zap.Logger
}

type transactionPayload struct {
	Type       string        `json:"type"`
	EntityType string        `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Body       entity.Fields `json:"body"`
}

type transactionsRequestPayload struct {
	Transactions []transactionPayload `json:"transactions"`
}

type transactionsResponsePayload struct {
	RequestID string            `json:"request_id"`
	Responses []syncer.Response `json:"responses"`
}

func (h *httpHandler) handleTransactions(c *gin.Context) {
	var request transactionsRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Transactions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	nowMillis := time.Now().UTC().UnixMilli()
	records := make([]transaction.Record, 0, len(request.Transactions))
	for index, payload := range request.Transactions {
		kind, err := transaction.ParseKind(payload.Type)
		if err != nil || kind == transaction.KindDelta {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
			return
		}
		entityType, err := entity.ParseType(payload.EntityType)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
			return
		}
		entityID, err := entity.ResolveID(entityType, payload.EntityID, payload.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_id"})
			return
		}
		records = append(records, transaction.Record{
			Kind:       kind,
			EntityType: entityType,
			EntityID:   entityID,
			Index:      index,
			Length:     len(request.Transactions),
			CreatedAt:  nowMillis,
			Revertable: true,
			Body:       payload.Body,
		})
	}

	result, err := h.requester.Request(c.Request.Context(), actingRole(c), records)
	if err != nil {
		h.respondError(c, "batch request failed", err)
		return
	}
	c.JSON(http.StatusOK, transactionsResponsePayload{RequestID: result.RequestID, Responses: result.Responses})
}

func (h *httpHandler) handleReadEntity(c *gin.Context) {
	key, ok := entityKey(c)
	if !ok {
		return
	}
	var record *entity.Record
	read := func() error {
		found, err := h.entities.Read(c.Request.Context(), key.Type, key.ID, entity.ReadOptions{MustExist: true})
		if err != nil {
			if errors.Is(err, entity.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		record = found
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(h.readWait), uint64(h.readAttempts-1)),
		c.Request.Context(),
	)
	if err := backoff.Retry(read, policy); err != nil {
		h.respondError(c, "entity read failed", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	key, ok := entityKey(c)
	if !ok {
		return
	}
	history, err := h.versions.History(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, "history failed", err)
		return
	}
	c.JSON(http.StatusOK, history)
}

type checkoutRequestPayload struct {
	Version string `json:"version"`
}

func (h *httpHandler) handleCheckout(c *gin.Context) {
	key, ok := entityKey(c)
	if !ok {
		return
	}
	var request checkoutRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Version) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	response, err := h.versions.Checkout(c.Request.Context(), key, strings.TrimSpace(request.Version), actingRole(c))
	if err != nil {
		h.respondError(c, "checkout failed", err)
		return
	}
	h.publish(c.Request.Context(), response)
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleRevert(c *gin.Context) {
	key, ok := entityKey(c)
	if !ok {
		return
	}
	response, err := h.versions.Revert(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, "revert failed", err)
		return
	}
	h.publish(c.Request.Context(), response)
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	filter := conflict.ListFilter{}
	if raw := c.Query("solved"); raw != "" {
		solved, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_solved_filter"})
			return
		}
		filter.Solved = &solved
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		filter.Limit = limit
	}
	records, err := h.conflicts.List(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, "conflict listing failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": records})
}

func (h *httpHandler) handleSolveConflict(c *gin.Context) {
	record, err := h.conflicts.MarkSolved(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "conflict solve failed", err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) publish(ctx context.Context, response syncer.Response) {
	publisher := events.Publisher(h.events)
	if h.publisher != nil {
		publisher = h.publisher
	}
	if err := publisher.Publish(ctx, response); err != nil {
		h.logger.Warn("sync event publish failed", zap.String("entity_id", response.EntityID), zap.Error(err))
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	role, err := claims.ActingRole()
	if err != nil {
		h.logger.Warn("token role rejected", zap.String("subject", claims.Subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, claims.Subject)
	c.Set(roleContextKey, role)
	c.Next()
}

// curatorRoles may rewind history and close conflict records.
var curatorRoles = []conflict.Role{conflict.RoleForce, conflict.RoleMaintenance}

func (h *httpHandler) requireRole(allowed ...conflict.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := actingRole(c)
		for _, candidate := range allowed {
			if role == candidate {
				c.Next()
				return
			}
		}
		h.logger.Info("role not permitted",
			zap.String("path", c.FullPath()),
			zap.String("role", role.String()),
			zap.String("subject", c.GetString(subjectContextKey)))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden_role"})
	}
}

func actingRole(c *gin.Context) conflict.Role {
	if value, ok := c.Get(roleContextKey); ok {
		if role, ok := value.(conflict.Role); ok {
			return role
		}
	}
	return conflict.RoleExternal
}

func entityKey(c *gin.Context) (entity.Key, bool) {
	entityType, err := entity.ParseType(c.Param("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
		return entity.Key{}, false
	}
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_id"})
		return entity.Key{}, false
	}
	return entity.Key{Type: entityType, ID: id}, true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) (int, string) {
	if found, ok := conflict.As(err); ok {
		switch bus.CodeFor(found) {
		case bus.CodeEntityAlreadyExists:
			return http.StatusConflict, "conflict_" + strings.ToLower(found.Kind.String())
		case bus.CodeEntityNotFound:
			return http.StatusNotFound, "conflict_" + strings.ToLower(found.Kind.String())
		default:
			return http.StatusConflict, "conflict_" + strings.ToLower(found.Kind.String())
		}
	}
	switch {
	case errors.Is(err, entity.ErrUnknownType), errors.Is(err, entity.ErrInvalidID),
		errors.Is(err, transaction.ErrUnknownKind):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, entity.ErrNotFound), errors.Is(err, conflict.ErrRecordNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, entity.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, entity.ErrIntegrity):
		return http.StatusUnprocessableEntity, "integrity_error"
	case errors.Is(err, bus.ErrResponseTimeout), errors.Is(err, bus.ErrCache),
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, bus.ErrBrokerClosed):
		return http.StatusGatewayTimeout, "transport_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		h.logger.Info(message, zap.String("path", c.FullPath()), zap.Int("status", status), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code, "detail": err.Error()})
}
