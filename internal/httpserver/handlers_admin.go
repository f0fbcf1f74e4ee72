package httpserver

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/CedrosPay/vouchers/internal/analytics"
	"github.com/CedrosPay/vouchers/internal/circuitbreaker"
	apierrors "github.com/CedrosPay/vouchers/internal/errors"
	"github.com/CedrosPay/vouchers/internal/logger"
	"github.com/CedrosPay/vouchers/internal/storage"
	"github.com/CedrosPay/vouchers/internal/sweeper"
	"github.com/CedrosPay/vouchers/pkg/responders"
)

const (
	defaultDashboardDays = 30
	maxDashboardDays     = 365
	dashboardTxLimit     = 50000
)

// health returns service health including store connectivity and breaker states.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	now := time.Now()
	status := "ok"
	statusCode := http.StatusOK
	storeStatus := "ok"
	if err := h.store.Ping(ctx); err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Msg("health.store_unreachable")
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
		storeStatus = "unreachable"
	}

	response := map[string]any{
		"status":    status,
		"uptime":    now.Sub(serverStartTime).String(),
		"timestamp": now.UTC(),
		"storage":   storeStatus,
		"circuitBreakers": map[string]string{
			string(circuitbreaker.ServiceFlip): h.breakers.State(circuitbreaker.ServiceFlip),
			string(circuitbreaker.ServiceMail): h.breakers.State(circuitbreaker.ServiceMail),
		},
	}
	if h.cfg.Server.RoutePrefix != "" {
		response["routePrefix"] = h.cfg.Server.RoutePrefix
	}

	responders.JSON(w, statusCode, response)
}

type cleanupResponse struct {
	Success bool `json:"success"`
	sweeper.Result
}

// cleanupExpired runs one sweep pass on demand.
func (h *handlers) cleanupExpired(w http.ResponseWriter, r *http.Request) {
	res, err := h.sweeper.RunNow(r.Context())
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Interface("result", res).Msg("cleanup.run_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "cleanup did not complete")
		return
	}
	responders.JSON(w, http.StatusOK, cleanupResponse{Success: true, Result: res})
}

type dashboardResponse struct {
	Success bool `json:"success"`
	Days    int  `json:"days"`
	analytics.Dashboard
}

// dashboardStats aggregates the ledger of the last ?days= days (default 30) with current stock.
func (h *handlers) dashboardStats(w http.ResponseWriter, r *http.Request) {
	days := defaultDashboardDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxDashboardDays {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "days must be between 1 and 365")
			return
		}
		days = n
	}

	log := logger.FromContext(r.Context())
	now := h.now()
	txs, err := h.store.ListTransactions(r.Context(), storage.TransactionFilter{
		Since: now.AddDate(0, 0, -days),
		Limit: dashboardTxLimit,
	})
	if err != nil {
		log.Error().Err(err).Msg("dashboard.transactions_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load transactions")
		return
	}
	inventory, err := h.store.InventorySummary(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("dashboard.inventory_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "failed to load inventory")
		return
	}

	responders.JSON(w, http.StatusOK, dashboardResponse{
		Success:   true,
		Days:      days,
		Dashboard: analytics.Summarize(txs, inventory, now, h.location),
	})
}
