// internal/usecase/callback_uc.go
package usecase

import (
	"context"
	"errors"
	"strconv"

	"donation-service/internal/domain"
	"donation-service/internal/metrics"
	"donation-service/internal/notification"
	"donation-service/internal/provider/mpesa"
	"donation-service/internal/repository"

	"go.uber.org/zap"
)

type CallbackUsecase struct {
	repo     repository.DonationRepository
	notifier notification.Notifier
	logger   *zap.Logger
}

func NewCallbackUsecase(
	repo repository.DonationRepository,
	notifier notification.Notifier,
	logger *zap.Logger,
) *CallbackUsecase {
	return &CallbackUsecase{
		repo:     repo,
		notifier: notifier,
		logger:   logger,
	}
}

// CallbackOutcome reports what reconciliation did with a callback.
type CallbackOutcome struct {
	Matched      bool
	Transitioned bool
	Status       domain.DonationStatus
	Reference    string
}

// HandleCallback reconciles one provider callback. The donation row is
// updated before this returns, so the HTTP layer can acknowledge knowing the
// state is durable. Duplicate deliveries find the donation already terminal
// and change nothing.
func (uc *CallbackUsecase) HandleCallback(ctx context.Context, payload []byte) (*CallbackOutcome, error) {
	result, err := mpesa.ParseCallback(payload)
	if err != nil {
		uc.logger.Error("failed to parse callback", zap.Error(err))
		metrics.Callbacks.WithLabelValues("malformed").Inc()
		return nil, err
	}

	uc.logger.Info("callback parsed",
		zap.String("checkout_request_id", result.CheckoutRequestID),
		zap.String("merchant_request_id", result.MerchantRequestID),
		zap.Int("result_code", result.ResultCode),
		zap.Bool("success", result.Success))

	donation, err := uc.repo.GetByCheckoutRequestID(ctx, result.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, domain.ErrDonationNotFound) {
			// acknowledge so the provider stops retrying; never create a
			// donation from a callback
			uc.logger.Warn("callback matches no donation",
				zap.String("checkout_request_id", result.CheckoutRequestID))
			metrics.Callbacks.WithLabelValues("not_found").Inc()
			return &CallbackOutcome{Matched: false}, nil
		}
		return nil, err
	}

	status := domain.StatusFailed
	if result.Success {
		status = domain.StatusCompleted
	}

	outcome := repository.FinalizeOutcome{
		Status:            status,
		ResultCode:        strconv.Itoa(result.ResultCode),
		ResultDescription: result.ResultDesc,
		CallbackData:      payload,
	}
	if result.Success {
		if receipt, ok := result.Metadata.ReceiptNumber(); ok {
			outcome.ReceiptNumber = &receipt
		}
		if txDate, ok := result.Metadata.TransactionDate(); ok {
			outcome.TransactionDate = &txDate
		}
	}

	transitioned, err := uc.repo.Finalize(ctx, donation.ID, outcome)
	if err != nil {
		uc.logger.Error("failed to finalize donation",
			zap.String("reference", donation.Reference),
			zap.Error(err))
		return nil, err
	}

	if !transitioned {
		uc.logger.Info("duplicate callback for terminal donation, ignoring",
			zap.String("reference", donation.Reference),
			zap.String("status", string(donation.Status)))
		metrics.Callbacks.WithLabelValues("duplicate").Inc()
		return &CallbackOutcome{
			Matched:   true,
			Status:    donation.Status,
			Reference: donation.Reference,
		}, nil
	}

	if status == domain.StatusCompleted {
		receipt := ""
		if outcome.ReceiptNumber != nil {
			receipt = *outcome.ReceiptNumber
		}
		uc.logger.Info("donation completed",
			zap.String("reference", donation.Reference),
			zap.String("receipt_number", receipt),
			zap.Float64("amount", donation.Amount))
		metrics.Callbacks.WithLabelValues("completed").Inc()

		// the notification is gated on this transition, never on the bare
		// arrival of a callback
		if donation.DonorEmail != nil {
			go uc.sendReceipt(donation, receipt)
		}
	} else {
		uc.logger.Warn("donation failed",
			zap.String("reference", donation.Reference),
			zap.Int("result_code", result.ResultCode),
			zap.String("result_description", result.ResultDesc))
		metrics.Callbacks.WithLabelValues("failed").Inc()
	}

	return &CallbackOutcome{
		Matched:      true,
		Transitioned: true,
		Status:       status,
		Reference:    donation.Reference,
	}, nil
}

func (uc *CallbackUsecase) sendReceipt(donation *domain.Donation, receiptNumber string) {
	ctx := context.Background()

	name := ""
	if donation.DonorName != nil {
		name = *donation.DonorName
	}

	err := uc.notifier.SendDonationReceipt(ctx, notification.Receipt{
		Email:         *donation.DonorEmail,
		DonorName:     name,
		Amount:        donation.Amount,
		Reference:     donation.Reference,
		ReceiptNumber: receiptNumber,
	})
	if err != nil {
		uc.logger.Error("failed to send confirmation email",
			zap.String("reference", donation.Reference),
			zap.Error(err))
		metrics.ConfirmationEmails.WithLabelValues("error").Inc()
		return
	}

	metrics.ConfirmationEmails.WithLabelValues("sent").Inc()
	uc.logger.Info("confirmation email sent",
		zap.String("reference", donation.Reference))
}
