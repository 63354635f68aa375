// internal/handler/donation_handler.go
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"donation-service/internal/domain"
	"donation-service/internal/usecase"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type DonationHandler struct {
	donationUC *usecase.DonationUsecase
	logger     *zap.Logger
}

func NewDonationHandler(donationUC *usecase.DonationUsecase, logger *zap.Logger) *DonationHandler {
	return &DonationHandler{
		donationUC: donationUC,
		logger:     logger,
	}
}

// HandleInitiateDonation handles a donor's request to start an STK push
func (h *DonationHandler) HandleInitiateDonation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	h.logger.Info("received donation initiation request",
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()))

	var req usecase.InitiateDonationRequest
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&req); err != nil {
		h.logger.Error("failed to decode donation request",
			zap.Error(err))
		h.sendError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	result, err := h.donationUC.Initiate(ctx, &req)
	if err != nil {
		if domain.IsValidationError(err) {
			h.logger.Warn("donation request rejected",
				zap.Error(err))
			h.sendError(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		h.logger.Error("failed to initiate donation",
			zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "failed to process donation", err)
		return
	}

	if !result.Success {
		// the donation exists and is FAILED; the donor can retry with the
		// same details
		h.sendJSON(w, http.StatusBadGateway, result)
		return
	}

	h.logger.Info("donation initiated successfully",
		zap.String("reference", result.Reference),
		zap.String("checkout_request_id", result.CheckoutRequestID))

	h.sendJSON(w, http.StatusOK, result)
}

// HandleDonationStatus returns a donation by its public reference
func (h *DonationHandler) HandleDonationStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reference := chi.URLParam(r, "reference")

	status, err := h.donationUC.GetStatus(ctx, reference)
	if err != nil {
		if errors.Is(err, domain.ErrDonationNotFound) {
			h.sendError(w, http.StatusNotFound, "donation not found", nil)
			return
		}
		h.logger.Error("failed to fetch donation status",
			zap.String("reference", reference),
			zap.Error(err))
		h.sendError(w, http.StatusInternalServerError, "failed to fetch donation status", err)
		return
	}

	h.sendSuccess(w, http.StatusOK, "donation status", status)
}

// Response helpers
func (h *DonationHandler) sendJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func (h *DonationHandler) sendSuccess(w http.ResponseWriter, statusCode int, message string, data interface{}) {
	h.sendJSON(w, statusCode, map[string]interface{}{
		"success": true,
		"message": message,
		"data":    data,
	})
}

func (h *DonationHandler) sendError(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"success": false,
		"message": message,
	}
	if err != nil {
		response["error"] = err.Error()
	}
	h.sendJSON(w, statusCode, response)
}
