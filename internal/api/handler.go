package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"marketplace-service/internal/service"
	"marketplace-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler contains HTTP handlers
type Handler struct {
	negotiations *service.NegotiationService
	orders       *service.OrderService
	jwtSecret    string
}

// NewHandler creates a new HTTP handler
func NewHandler(negotiations *service.NegotiationService, orders *service.OrderService, jwtSecret string) *Handler {
	return &Handler{
		negotiations: negotiations,
		orders:       orders,
		jwtSecret:    jwtSecret,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.Use(AuthMiddleware(h.jwtSecret))
	{
		v1.POST("/negotiations", h.openNegotiation)
		v1.GET("/negotiations/me", h.listNegotiations)
		v1.POST("/negotiations/:id/message", h.appendMessage)
		v1.POST("/negotiations/:id/confirm", h.confirmNegotiation)
		v1.POST("/negotiations/:id/cancel", h.cancelNegotiation)

		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/my-orders", h.listMyOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.PATCH("/orders/:id/status", h.updateOrderStatus)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// openNegotiation handles a buyer opening a negotiation thread
func (h *Handler) openNegotiation(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	var req service.OpenNegotiationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	detail, err := h.negotiations.Open(c.Request.Context(), caller.ID, &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, detail)
}

// listNegotiations handles the caller's negotiation list
func (h *Handler) listNegotiations(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	details, err := h.negotiations.ListForCaller(c.Request.Context(), caller.ID, caller.Role)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"negotiations": details})
}

// appendMessage handles posting to a negotiation thread
func (h *Handler) appendMessage(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	negotiationID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid negotiation ID"})
		return
	}

	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	detail, err := h.negotiations.AppendMessage(c.Request.Context(), caller.ID, negotiationID, req.Text)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

// confirmNegotiation handles the producer's confirm transition
func (h *Handler) confirmNegotiation(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	negotiationID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid negotiation ID"})
		return
	}

	var req service.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	result, err := h.negotiations.Confirm(c.Request.Context(), caller.ID, negotiationID, &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// cancelNegotiation handles either participant cancelling a thread
func (h *Handler) cancelNegotiation(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	negotiationID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid negotiation ID"})
		return
	}

	detail, err := h.negotiations.Cancel(c.Request.Context(), caller.ID, negotiationID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

// createOrder handles direct cart submission
func (h *Handler) createOrder(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	detail, err := h.orders.CreateOrder(c.Request.Context(), caller.ID, &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, detail)
}

// listOrders handles the role-scoped order list
func (h *Handler) listOrders(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	details, err := h.orders.ListForCaller(c.Request.Context(), caller.ID, caller.Role)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": details})
}

// listMyOrders handles the buyer's condensed order list
func (h *Handler) listMyOrders(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	summaries, err := h.orders.ListMyOrders(c.Request.Context(), caller.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": summaries})
}

// getOrder handles the eager order detail fetch
func (h *Handler) getOrder(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	orderID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	detail, err := h.orders.GetOrder(c.Request.Context(), caller.ID, caller.Role, orderID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

// updateOrderStatus handles lifecycle transitions
func (h *Handler) updateOrderStatus(c *gin.Context) {
	caller, ok := callerFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return
	}

	orderID, err := parseID(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	detail, err := h.orders.SetStatus(c.Request.Context(), caller.ID, caller.Role, orderID, req.Status)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, detail)
}

func parseID(c *gin.Context) (int64, error) {
	return strconv.ParseInt(c.Param("id"), 10, 64)
}

// writeError maps domain errors to HTTP responses. Structured sets
// (missing products, stock shortfalls) go back whole so a client can
// fix its request in one round trip.
func writeError(c *gin.Context, err error) {
	var notFound *service.NotFoundError
	if errors.As(err, &notFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":       notFound.Error(),
			"resource":    notFound.Resource,
			"missing_ids": notFound.IDs,
		})
		return
	}

	var forbidden *service.ForbiddenError
	if errors.As(err, &forbidden) {
		c.JSON(http.StatusForbidden, gin.H{"error": forbidden.Error()})
		return
	}

	var conflict *service.ConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusConflict, gin.H{"error": conflict.Error()})
		return
	}

	var stock *service.InsufficientStockError
	if errors.As(err, &stock) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     stock.Error(),
			"shortages": stock.Shortages,
		})
		return
	}

	var invalid *service.InvalidInputError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusBadRequest, gin.H{"error": invalid.Error()})
		return
	}

	util.GetLogger().Sugar().Errorw("Internal error", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
