// internal/usecase/donation_uc.go
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"donation-service/config"
	"donation-service/internal/domain"
	"donation-service/internal/metrics"
	"donation-service/internal/provider/mpesa"
	"donation-service/internal/repository"
	"donation-service/pkg/phone"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// STKClient is the slice of the provider client the use cases need.
type STKClient interface {
	InitiateSTKPush(ctx context.Context, p mpesa.STKPushParams) (*mpesa.STKPushResult, error)
	QuerySTKPush(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResult, error)
}

type DonationUsecase struct {
	repo   repository.DonationRepository
	stk    STKClient
	cfg    *config.Config
	logger *zap.Logger
}

func NewDonationUsecase(
	repo repository.DonationRepository,
	stk STKClient,
	cfg *config.Config,
	logger *zap.Logger,
) *DonationUsecase {
	return &DonationUsecase{
		repo:   repo,
		stk:    stk,
		cfg:    cfg,
		logger: logger,
	}
}

// InitiateDonationRequest is the donor-facing initiation payload. Amount is
// kept as json.Number so a non-numeric value is distinguishable from an
// out-of-range one.
type InitiateDonationRequest struct {
	Amount        json.Number `json:"amount"`
	PhoneNumber   string      `json:"phone_number"`
	DonorName     string      `json:"donor_name,omitempty"`
	Email         string      `json:"email,omitempty"`
	PaymentMethod string      `json:"payment_method,omitempty"`

	// CallbackURL overrides the default callback endpoint. It must live
	// under the configured public base URL.
	CallbackURL string `json:"callback_url,omitempty"`
}

// InitiateResult is the uniform initiation outcome. Provider and timeout
// failures come back as Success=false rather than as errors, so callers see
// one shape for every non-validation outcome.
type InitiateResult struct {
	Success           bool   `json:"success"`
	Reference         string `json:"reference,omitempty"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
	Message           string `json:"message,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	Attempts          int    `json:"attempts,omitempty"`
}

const donorPrompt = "Check your phone and enter your M-Pesa PIN to complete the donation."
const retrySuggestion = "We could not reach the payment service. Please try again in a moment."

// Initiate validates the request, creates the PENDING donation and runs the
// STK push. Validation failures return an error; everything past validation
// returns an InitiateResult. The donation never stays PENDING when
// initiation fails.
func (uc *DonationUsecase) Initiate(ctx context.Context, req *InitiateDonationRequest) (*InitiateResult, error) {
	method, err := parseMethod(req.PaymentMethod)
	if err != nil {
		return nil, err
	}

	amount, err := uc.validateAmount(req.Amount)
	if err != nil {
		return nil, err
	}

	normalizedPhone, err := phone.Validate(req.PhoneNumber, uc.cfg.Donation.AllowedPrefixes)
	if err != nil {
		return nil, domain.ErrInvalidPhone
	}

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = uc.cfg.PublicBaseURL + "/api/mpesa/callback"
	}
	if !strings.HasPrefix(callbackURL, uc.cfg.PublicBaseURL) {
		return nil, domain.ErrCallbackURLOffDomain
	}

	id := ulid.Make().String()
	reference := "DON-" + id
	// the provider's account reference field is capped, the public
	// reference is not; derive a short form from the same ULID
	accountRef := "DON" + id[len(id)-8:]

	donation := &domain.Donation{
		Reference:   reference,
		Amount:      amount,
		PhoneNumber: normalizedPhone,
		Method:      method,
		Status:      domain.StatusPending,
	}
	if req.DonorName != "" {
		donation.DonorName = &req.DonorName
	}
	if req.Email != "" {
		donation.DonorEmail = &req.Email
	}

	if err := uc.repo.Create(ctx, donation); err != nil {
		uc.logger.Error("failed to create donation",
			zap.String("reference", reference),
			zap.Error(err))
		return nil, fmt.Errorf("failed to create donation: %w", err)
	}

	metrics.DonationsInitiated.WithLabelValues(string(method)).Inc()

	uc.logger.Info("donation created, initiating STK push",
		zap.String("reference", reference),
		zap.Float64("amount", amount),
		zap.String("phone_number", normalizedPhone),
		zap.String("payment_method", string(method)))

	result, err := uc.stk.InitiateSTKPush(ctx, mpesa.STKPushParams{
		Amount:           amount,
		PhoneNumber:      normalizedPhone,
		AccountReference: accountRef,
		CallbackURL:      callbackURL,
		Description:      "Donation " + accountRef,
		Method:           method,
	})
	if err != nil {
		return uc.failInitiation(ctx, donation, err), nil
	}

	if !result.Success {
		uc.logger.Warn("STK push rejected by provider",
			zap.String("reference", reference),
			zap.String("response_code", result.ResponseCode),
			zap.String("response_description", result.ResponseDescription))

		metrics.STKPushOutcomes.WithLabelValues("rejected").Inc()
		_ = uc.repo.MarkFailed(ctx, donation.ID, result.ResponseDescription)

		return &InitiateResult{
			Success:   false,
			Reference: reference,
			Message:   retrySuggestion,
			ErrorCode: result.ResponseCode,
			Attempts:  result.Attempts,
		}, nil
	}

	// the callback routes on these IDs; a donation whose IDs were never
	// persisted can only be reconciled by hand, so fail it instead
	if err := uc.repo.AttachProviderIDs(ctx, donation.ID, result.CheckoutRequestID, result.MerchantRequestID); err != nil {
		uc.logger.Error("failed to persist provider correlation IDs",
			zap.String("reference", reference),
			zap.String("checkout_request_id", result.CheckoutRequestID),
			zap.Error(err))

		_ = uc.repo.MarkFailed(ctx, donation.ID, "failed to persist provider correlation IDs")
		metrics.STKPushOutcomes.WithLabelValues("error").Inc()

		return &InitiateResult{
			Success:   false,
			Reference: reference,
			Message:   retrySuggestion,
			ErrorCode: "PERSISTENCE_FAILED",
			Attempts:  result.Attempts,
		}, nil
	}

	metrics.STKPushOutcomes.WithLabelValues("accepted").Inc()

	uc.logger.Info("STK push accepted",
		zap.String("reference", reference),
		zap.String("checkout_request_id", result.CheckoutRequestID),
		zap.String("merchant_request_id", result.MerchantRequestID),
		zap.Int("attempts", result.Attempts))

	message := result.CustomerMessage
	if message == "" {
		message = donorPrompt
	}

	return &InitiateResult{
		Success:           true,
		Reference:         reference,
		CheckoutRequestID: result.CheckoutRequestID,
		MerchantRequestID: result.MerchantRequestID,
		Message:           message,
		Attempts:          result.Attempts,
	}, nil
}

// failInitiation marks the donation FAILED and maps the error into the
// uniform result shape. Raw provider errors are logged, not shown to donors.
func (uc *DonationUsecase) failInitiation(ctx context.Context, donation *domain.Donation, err error) *InitiateResult {
	uc.logger.Error("STK push failed",
		zap.String("reference", donation.Reference),
		zap.Error(err))

	_ = uc.repo.MarkFailed(ctx, donation.ID, err.Error())

	result := &InitiateResult{
		Success:   false,
		Reference: donation.Reference,
		Message:   retrySuggestion,
	}

	var provErr *domain.ProviderError
	var tokenErr *domain.AccessTokenError
	switch {
	case errors.Is(err, domain.ErrTimeout):
		metrics.STKPushOutcomes.WithLabelValues("timeout").Inc()
		result.ErrorCode = "TIMEOUT"
		result.Message = "The payment request timed out. Please try again."
	case errors.As(err, &provErr):
		metrics.STKPushOutcomes.WithLabelValues("rejected").Inc()
		result.ErrorCode = provErr.Code
	case errors.As(err, &tokenErr):
		metrics.STKPushOutcomes.WithLabelValues("auth_error").Inc()
		result.ErrorCode = "AUTH_FAILED"
	default:
		metrics.STKPushOutcomes.WithLabelValues("error").Inc()
		result.ErrorCode = "INTERNAL"
	}

	return result
}

// DonationStatus is the polling view of a donation: the stored record plus,
// while it is still pending, the provider's live view of the push.
type DonationStatus struct {
	Donation      *domain.Donation      `json:"donation"`
	ProviderState *mpesa.STKQueryResult `json:"provider_state,omitempty"`
}

// GetStatus returns a donation by its public reference. For a donation still
// PENDING with a known checkout ID, the provider is queried best-effort; the
// callback remains the only writer of terminal state.
func (uc *DonationUsecase) GetStatus(ctx context.Context, reference string) (*DonationStatus, error) {
	donation, err := uc.repo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	status := &DonationStatus{Donation: donation}

	if donation.Status == domain.StatusPending && donation.CheckoutRequestID != nil {
		state, err := uc.stk.QuerySTKPush(ctx, *donation.CheckoutRequestID)
		if err != nil {
			uc.logger.Warn("STK push status query failed",
				zap.String("reference", reference),
				zap.Error(err))
		} else {
			status.ProviderState = state
		}
	}

	return status, nil
}

func (uc *DonationUsecase) validateAmount(raw json.Number) (float64, error) {
	if raw.String() == "" {
		return 0, domain.ErrAmountNotANumber
	}
	amount, err := raw.Float64()
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, domain.ErrAmountNotANumber
	}
	if amount < uc.cfg.Donation.MinAmount {
		return 0, domain.ErrAmountTooLow
	}
	if amount > uc.cfg.Donation.MaxAmount {
		return 0, domain.ErrAmountTooHigh
	}
	return amount, nil
}

func parseMethod(raw string) (domain.PaymentMethod, error) {
	switch domain.PaymentMethod(raw) {
	case "", domain.MethodPaybill:
		return domain.MethodPaybill, nil
	case domain.MethodTill:
		return domain.MethodTill, nil
	default:
		return "", domain.ErrInvalidMethod
	}
}
