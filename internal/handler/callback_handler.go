// internal/handler/callback_handler.go
package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"donation-service/internal/usecase"
	"donation-service/pkg/signature"

	"go.uber.org/zap"
)

type CallbackHandler struct {
	callbackUC     *usecase.CallbackUsecase
	callbackSecret string
	logger         *zap.Logger
}

func NewCallbackHandler(callbackUC *usecase.CallbackUsecase, callbackSecret string, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		callbackUC:     callbackUC,
		callbackSecret: callbackSecret,
		logger:         logger,
	}
}

// HandleMpesaSTKCallback handles M-Pesa STK Push callback. The donation row
// is updated before the 200 goes out; returning 5xx makes the provider
// redeliver, which reconciliation absorbs as a duplicate.
func (h *CallbackHandler) HandleMpesaSTKCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	h.logger.Info("received M-Pesa STK callback",
		zap.String("remote_addr", r.RemoteAddr))

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.Error("failed to read callback payload",
			zap.Error(err))
		h.sendCallbackResponse(w, http.StatusOK, "1", "Failed to read payload")
		return
	}

	if h.callbackSecret != "" {
		sig := r.Header.Get("X-Signature")
		if !signature.Verify(payload, sig, h.callbackSecret) {
			h.logger.Warn("callback signature verification failed",
				zap.String("remote_addr", r.RemoteAddr),
				zap.Bool("signature_present", sig != ""))
			h.sendCallbackResponse(w, http.StatusUnauthorized, "1", "Invalid signature")
			return
		}
	}

	outcome, err := h.callbackUC.HandleCallback(ctx, payload)
	if err != nil {
		h.logger.Error("failed to process M-Pesa STK callback",
			zap.Error(err))
		// a 5xx makes the provider retry the delivery
		h.sendCallbackResponse(w, http.StatusInternalServerError, "1", "Processing failed")
		return
	}

	h.logger.Info("M-Pesa STK callback acknowledged",
		zap.String("reference", outcome.Reference),
		zap.Bool("matched", outcome.Matched),
		zap.Bool("transitioned", outcome.Transitioned))

	h.sendCallbackResponse(w, http.StatusOK, "0", "Success")
}

// sendCallbackResponse sends M-Pesa callback response
func (h *CallbackHandler) sendCallbackResponse(w http.ResponseWriter, statusCode int, resultCode, resultDesc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	// M-Pesa expects this specific format
	response := map[string]interface{}{
		"ResultCode": resultCode,
		"ResultDesc": resultDesc,
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("failed to encode callback response", zap.Error(err))
	}
}
