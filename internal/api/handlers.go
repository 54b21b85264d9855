/**
 * @description
 * This file contains the HTTP handlers for the payout-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as
 * the bridge between the web layer and the settlement logic.
 *
 * Error mapping follows the engine's taxonomy: stale/not-eligible outcomes are
 * expected concurrency results and come back as 409 ("already in progress"),
 * never as incidents; invalid amounts indicate upstream data corruption and
 * surface as 500 for operators.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/taskilo/payout-service/internal/app"
	"github.com/taskilo/payout-service/internal/domain"
	"github.com/taskilo/payout-service/internal/store"
	"github.com/taskilo/payout-service/pkg/processorclient"
)

// PayoutHandlers holds the application service that handlers will use.
type PayoutHandlers struct {
	service *app.Service
}

// NewPayoutHandlers creates a new instance of PayoutHandlers.
func NewPayoutHandlers(service *app.Service) *PayoutHandlers {
	return &PayoutHandlers{service: service}
}

// payoutStatusResponse is the payout view of an order returned by the API.
type payoutStatusResponse struct {
	OrderID             string  `json:"order_id"`
	PayoutStatus        string  `json:"payout_status"`
	GrossAmount         int64   `json:"gross_amount"`
	PlatformFeeAmount   *int64  `json:"platform_fee_amount,omitempty"`
	ProcessorTransferID *string `json:"processor_transfer_id,omitempty"`
	PayoutRequestedAt   *string `json:"payout_requested_at,omitempty"`
	PayoutCompletedAt   *string `json:"payout_completed_at,omitempty"`
}

func buildPayoutStatusResponse(order *domain.Order) payoutStatusResponse {
	resp := payoutStatusResponse{
		OrderID:             order.ID.String(),
		PayoutStatus:        order.PayoutStatus,
		GrossAmount:         order.GrossAmount,
		PlatformFeeAmount:   order.PlatformFeeAmount,
		ProcessorTransferID: order.ProcessorTransferID,
	}
	if order.PayoutRequestedAt != nil {
		s := order.PayoutRequestedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.PayoutRequestedAt = &s
	}
	if order.PayoutCompletedAt != nil {
		s := order.PayoutCompletedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.PayoutCompletedAt = &s
	}
	return resp
}

func (h *PayoutHandlers) parseOrderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid order id")
		return uuid.Nil, false
	}
	return orderID, true
}

// RequestPayoutHandler handles a provider's or admin's request to release an
// AVAILABLE payout.
func (h *PayoutHandlers) RequestPayoutHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := GetCallerID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	orderID, ok := h.parseOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.service.RequestPayout(r.Context(), orderID, callerID, IsAdminCaller(r.Context()))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, app.ErrNotAuthorized):
			h.writeError(w, http.StatusForbidden, "You may only request payouts for your own orders")
		case errors.Is(err, app.ErrNotEligible):
			h.writeError(w, http.StatusConflict, "Payout is not available or already being processed")
		case errors.Is(err, app.ErrPayoutRateLimited):
			h.writeError(w, http.StatusTooManyRequests, "Too many payout requests. Please wait and try again.")
		case errors.Is(err, app.ErrInvalidAmount):
			log.Printf("level=error component=api msg=\"invalid amount data on payout request\" order_id=%s err=%v", orderID, err)
			h.writeError(w, http.StatusInternalServerError, "Order amount data is invalid; support has been notified")
		default:
			log.Printf("level=error component=api msg=\"payout request failed\" order_id=%s err=%v", orderID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to request payout")
		}
		return
	}

	h.writeJSON(w, http.StatusAccepted, buildPayoutStatusResponse(order))
}

// RetryFailedPayoutHandler re-opens a FAILED payout for another attempt. Admin only.
func (h *PayoutHandlers) RetryFailedPayoutHandler(w http.ResponseWriter, r *http.Request) {
	callerID, _ := GetCallerID(r.Context())
	orderID, ok := h.parseOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.service.RetryFailedPayout(r.Context(), orderID, callerID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, app.ErrNotEligible):
			h.writeError(w, http.StatusConflict, "Order payout is not in a failed state")
		default:
			log.Printf("level=error component=api msg=\"failed payout retry failed\" order_id=%s err=%v", orderID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to retry payout")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, buildPayoutStatusResponse(order))
}

// GetOrderPayoutHandler returns the payout view of one order. Providers may
// only view their own orders.
func (h *PayoutHandlers) GetOrderPayoutHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := GetCallerID(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	orderID, ok := h.parseOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			h.writeError(w, http.StatusNotFound, "Order not found")
			return
		}
		log.Printf("level=error component=api msg=\"order lookup failed\" order_id=%s err=%v", orderID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load order")
		return
	}
	if !IsAdminCaller(r.Context()) && order.ProviderID.String() != callerID {
		h.writeError(w, http.StatusForbidden, "You may only view your own orders")
		return
	}

	h.writeJSON(w, http.StatusOK, buildPayoutStatusResponse(order))
}

// ListAuditRecordsHandler returns an order's full payout lineage. Admin only.
func (h *PayoutHandlers) ListAuditRecordsHandler(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.parseOrderID(w, r)
	if !ok {
		return
	}

	records, err := h.service.ListAuditRecords(r.Context(), orderID)
	if err != nil {
		log.Printf("level=error component=api msg=\"audit listing failed\" order_id=%s err=%v", orderID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load audit records")
		return
	}
	if records == nil {
		records = []domain.PayoutAuditRecord{}
	}

	h.writeJSON(w, http.StatusOK, records)
}

// OverrideTransferHandler applies an emergency correction transfer. Admin only.
func (h *PayoutHandlers) OverrideTransferHandler(w http.ResponseWriter, r *http.Request) {
	callerID, _ := GetCallerID(r.Context())
	orderID, ok := h.parseOrderID(w, r)
	if !ok {
		return
	}

	var payload domain.OverrideTransferPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.OverrideTransfer(r.Context(), orderID, payload.Amount, callerID, payload.Reason)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, app.ErrOverrideReasonRequired):
			h.writeError(w, http.StatusUnprocessableEntity, "A reason is required for an override transfer")
		case errors.Is(err, app.ErrOverrideAmountExceedsCap):
			h.writeError(w, http.StatusUnprocessableEntity, "Override amount exceeds the configured maximum")
		case errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusUnprocessableEntity, "Override amount must be positive")
		default:
			log.Printf("level=warn component=api msg=\"override transfer failed\" order_id=%s err=%v", orderID, err)
			if result == nil {
				h.writeError(w, http.StatusInternalServerError, "Unable to apply override")
				return
			}
			// The override already appended its audit record; report the
			// processor outcome to the operator.
			status := http.StatusInternalServerError
			var apiErr *processorclient.ErrorResponse
			if errors.As(err, &apiErr) {
				status = http.StatusBadGateway
			}
			h.writeJSON(w, status, result)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// ReconcileHandler runs an on-demand reconciliation pass. Admin only.
func (h *PayoutHandlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	var providerID *uuid.UUID
	if raw := r.URL.Query().Get("provider_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid provider_id")
			return
		}
		providerID = &parsed
	}

	report, err := h.service.Reconcile(r.Context(), providerID)
	if err != nil {
		log.Printf("level=error component=api msg=\"reconciliation run failed\" err=%v", err)
		h.writeError(w, http.StatusBadGateway, "Reconciliation run failed")
		return
	}

	h.writeJSON(w, http.StatusOK, report)
}

// FulfillmentCompletedHandler is the internal hook the fulfillment subsystem
// calls when an order completes, carrying the computed platform fee.
func (h *PayoutHandlers) FulfillmentCompletedHandler(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.parseOrderID(w, r)
	if !ok {
		return
	}

	var payload domain.FulfillmentCompletedPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	order, err := h.service.HandleFulfillmentCompleted(r.Context(), orderID, payload.PlatformFeeAmount)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, app.ErrNotEligible):
			h.writeError(w, http.StatusConflict, "Order fulfillment is not completed")
		case errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusUnprocessableEntity, "Platform fee is invalid for this order")
		default:
			log.Printf("level=error component=api msg=\"fulfillment hook failed\" order_id=%s err=%v", orderID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to process fulfillment completion")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, buildPayoutStatusResponse(order))
}

// ExecuteTransferHandler runs the transfer executor for a REQUESTED order.
// Internal callers only (payout worker / operator tooling).
func (h *PayoutHandlers) ExecuteTransferHandler(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.parseOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.service.ExecuteTransfer(r.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, "Order not found")
		case errors.Is(err, app.ErrNotEligible):
			h.writeError(w, http.StatusConflict, "Order payout is not in a requested state")
		case errors.Is(err, app.ErrInvalidAmount):
			log.Printf("level=error component=api msg=\"invalid amount data on transfer execution\" order_id=%s err=%v", orderID, err)
			h.writeError(w, http.StatusInternalServerError, "Order amount data is invalid; support has been notified")
		default:
			retryable := processorclient.IsRetryableError(err)
			log.Printf("level=warn component=api msg=\"transfer execution failed\" order_id=%s retryable=%t err=%v", orderID, retryable, err)
			h.writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error":     err.Error(),
				"retryable": retryable,
			})
		}
		return
	}

	h.writeJSON(w, http.StatusOK, buildPayoutStatusResponse(order))
}

// writeJSON is a helper for writing JSON responses.
func (h *PayoutHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PayoutHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
