package handlers

import (
	"encoding/csv"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/logger"

	"tokenlottery/internal/clock"
	"tokenlottery/internal/models"
	"tokenlottery/internal/oracle"
	"tokenlottery/internal/payments"
	"tokenlottery/internal/services"
)

const (
	tenantHeader  = "X-Tenant-ID"
	callerHeader  = "X-Caller-ID"
	defaultTenant = "default"
	lotteryKeyCtx = "lotteryKey"
)

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// HTTPHandler holds the dependencies for the HTTP handlers, like the lottery service.
type HTTPHandler struct {
	service *services.LotteryService
	clock   clock.Clock
	beacon  *oracle.Beacon
	vault   *payments.Vault
}

// NewHTTPHandler creates a new HTTPHandler. vault may be nil when payments
// are disabled.
func NewHTTPHandler(service *services.LotteryService, c clock.Clock, beacon *oracle.Beacon, vault *payments.Vault) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		clock:   c,
		beacon:  beacon,
		vault:   vault,
	}
}

// RegisterPublicRoutes registers routes that do not belong to a tenant.
func (h *HTTPHandler) RegisterPublicRoutes(router *gin.Engine) {
	router.GET("/clock", h.GetClock)
	router.POST("/oracle/randomness", h.RequestRandomness)
	router.GET("/oracle/randomness/:id", h.GetRandomness)
	if h.vault != nil {
		router.POST("/accounts/:id/deposit", h.Deposit)
		router.GET("/accounts/:id", h.GetAccount)
	}
}

// RegisterTenantRoutes registers the lottery routes. The group must use
// TenantMiddleware.
func (h *HTTPHandler) RegisterTenantRoutes(group *gin.RouterGroup) {
	group.POST("/lottery", h.InitializeLottery)
	group.GET("/lottery", h.GetLottery)
	group.POST("/lottery/tickets", h.SellTicket)
	group.GET("/lottery/tickets", h.ListTickets)
	group.GET("/lottery/tickets.csv", h.ExportTicketsCSV)
	group.POST("/lottery/randomness", h.CommitRandomness)
	group.POST("/lottery/reveal", h.RevealWinner)
}

// TenantMiddleware resolves the lottery the request addresses from the
// tenant header.
func (h *HTTPHandler) TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenant := c.GetHeader(tenantHeader)
		if tenant == "" {
			tenant = defaultTenant
		}
		if !tenantPattern.MatchString(tenant) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid tenant id"})
			return
		}
		c.Set(lotteryKeyCtx, models.RecordKey(tenant))
		c.Next()
	}
}

// caller returns the authenticated caller identity. Signatures are verified
// upstream; the header is trusted as is.
func caller(c *gin.Context) (string, bool) {
	id := c.GetHeader(callerHeader)
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing " + callerHeader})
		return "", false
	}
	return id, true
}

type initializeRequest struct {
	StartTime   uint64 `json:"start_time"`
	EndTime     uint64 `json:"end_time"`
	TicketPrice uint64 `json:"ticket_price"`
}

// InitializeLottery creates the tenant's lottery with the caller as authority.
func (h *HTTPHandler) InitializeLottery(c *gin.Context) {
	authority, ok := caller(c)
	if !ok {
		return
	}
	var req initializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.service.Initialize(c.Request.Context(), c.GetString(lotteryKeyCtx), req.StartTime, req.EndTime, req.TicketPrice, authority)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// GetLottery returns the tenant's lottery record.
func (h *HTTPHandler) GetLottery(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.GetString(lotteryKeyCtx))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type sellRequest struct {
	Payment uint64 `json:"payment"`
}

// SellTicket sells one ticket to the caller.
func (h *HTTPHandler) SellTicket(c *gin.Context) {
	buyer, ok := caller(c)
	if !ok {
		return
	}
	var req sellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ticket, err := h.service.SellTicket(c.Request.Context(), c.GetString(lotteryKeyCtx), buyer, req.Payment)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ticket)
}

// ListTickets returns the ticket ledger of the tenant's lottery.
func (h *HTTPHandler) ListTickets(c *gin.Context) {
	tickets, err := h.service.Tickets(c.Request.Context(), c.GetString(lotteryKeyCtx))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

type randomnessRequest struct {
	Handle string `json:"handle" binding:"required"`
}

// CommitRandomness binds an oracle handle to the tenant's lottery.
func (h *HTTPHandler) CommitRandomness(c *gin.Context) {
	authority, ok := caller(c)
	if !ok {
		return
	}
	var req randomnessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.service.CommitRandomness(c.Request.Context(), c.GetString(lotteryKeyCtx), authority, req.Handle)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// RevealWinner finalizes the tenant's lottery.
func (h *HTTPHandler) RevealWinner(c *gin.Context) {
	authority, ok := caller(c)
	if !ok {
		return
	}
	var req randomnessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := h.service.RevealWinner(c.Request.Context(), c.GetString(lotteryKeyCtx), authority, req.Handle)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ExportTicketsCSV handles the request to download the ticket ledger as a CSV file.
func (h *HTTPHandler) ExportTicketsCSV(c *gin.Context) {
	tickets, err := h.service.Tickets(c.Request.Context(), c.GetString(lotteryKeyCtx))
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment;filename=lottery_tickets.csv")

	// Add BOM to ensure UTF-8 compatibility in Excel
	c.Writer.Write([]byte("\xef\xbb\xbf"))

	w := csv.NewWriter(c.Writer)

	// Write header
	if err := w.Write([]string{"index", "owner", "asset_id", "name", "price", "sold_at"}); err != nil {
		logger.Infof("Error writing CSV header: %v", err)
		c.String(http.StatusInternalServerError, "Error writing CSV")
		return
	}

	// Write data
	for _, t := range tickets {
		row := []string{
			strconv.FormatUint(t.Index, 10),
			t.Owner,
			t.AssetID,
			t.Name,
			strconv.FormatUint(t.Price, 10),
			strconv.FormatUint(t.SoldAt, 10),
		}
		if err := w.Write(row); err != nil {
			logger.Infof("Error writing CSV row: %v", err)
			c.String(http.StatusInternalServerError, "Error writing CSV")
			return
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		logger.Infof("Error flushing CSV writer: %v", err)
		c.String(http.StatusInternalServerError, "Error writing CSV")
	}
}

// GetClock returns the current time marker.
func (h *HTTPHandler) GetClock(c *gin.Context) {
	now, err := h.clock.Now(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"now": now})
}

// RequestRandomness commits a new random value at the current marker.
func (h *HTTPHandler) RequestRandomness(c *gin.Context) {
	proof, err := h.beacon.Request(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, proof)
}

// GetRandomness returns a handle's proof; the value is included once revealed.
func (h *HTTPHandler) GetRandomness(c *gin.Context) {
	proof, err := h.beacon.Proof(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

type depositRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}

// Deposit credits an account.
func (h *HTTPHandler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	balance, err := h.vault.Deposit(c.Request.Context(), c.Param("id"), req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": c.Param("id"), "balance": balance})
}

// GetAccount returns an account balance.
func (h *HTTPHandler) GetAccount(c *gin.Context) {
	id := c.Param("id")
	c.JSON(http.StatusOK, gin.H{"account": id, "balance": h.vault.Balance(c.Request.Context(), id)})
}

// writeError maps a service error to an HTTP status.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidConfiguration),
		errors.Is(err, models.ErrInvalidPayment),
		errors.Is(err, payments.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, payments.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	case errors.Is(err, models.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrUnknownRandomness),
		errors.Is(err, oracle.ErrUnknownHandle):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrLotteryNotCompleted),
		errors.Is(err, models.ErrRandomnessNotResolved):
		status = http.StatusTooEarly
	case errors.Is(err, models.ErrLotteryNotOpen),
		errors.Is(err, models.ErrAlreadyInitialized),
		errors.Is(err, models.ErrRandomnessAlreadyRevealed),
		errors.Is(err, models.ErrWinnerChosen),
		errors.Is(err, models.ErrNoTicketsSold),
		errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	default:
		logger.Errorf("Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "retryable": models.Retryable(err)})
}
