// internal/repository/donation_repo.go
package repository

import (
	"context"
	"errors"
	"time"

	"donation-service/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DonationRepository interface {
	Create(ctx context.Context, donation *domain.Donation) error
	GetByReference(ctx context.Context, reference string) (*domain.Donation, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Donation, error)

	// AttachProviderIDs stores the correlation IDs issued at initiation.
	// Must complete before the initiation call reports success, otherwise a
	// fast callback would be unroutable.
	AttachProviderIDs(ctx context.Context, id int64, checkoutRequestID, merchantRequestID string) error

	// MarkFailed moves a PENDING donation to FAILED with an operator-facing
	// message. No-op when the donation already reached a terminal status.
	MarkFailed(ctx context.Context, id int64, errorMsg string) error

	// Finalize applies the callback outcome. The update only fires while the
	// donation is still PENDING; the returned bool reports whether this call
	// performed the transition. This is the idempotency guard against
	// duplicate callback delivery.
	Finalize(ctx context.Context, id int64, outcome FinalizeOutcome) (bool, error)
}

// FinalizeOutcome is everything the callback contributes to the record.
type FinalizeOutcome struct {
	Status            domain.DonationStatus
	ResultCode        string
	ResultDescription string
	ReceiptNumber     *string
	TransactionDate   *time.Time
	CallbackData      []byte
}

type donationRepo struct {
	db *pgxpool.Pool
}

func NewDonationRepository(db *pgxpool.Pool) DonationRepository {
	return &donationRepo{db: db}
}

func (r *donationRepo) Create(ctx context.Context, d *domain.Donation) error {
	query := `
        INSERT INTO donations (
            reference, amount, phone_number, payment_method,
            donor_name, donor_email, status
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING id, created_at, updated_at
    `

	return r.db.QueryRow(ctx, query,
		d.Reference,
		d.Amount,
		d.PhoneNumber,
		d.Method,
		d.DonorName,
		d.DonorEmail,
		d.Status,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

const donationColumns = `
            id, reference, amount, phone_number, payment_method,
            donor_name, donor_email, status,
            checkout_request_id, merchant_request_id,
            receipt_number, result_code, result_description,
            callback_data, transaction_date, error_message,
            created_at, updated_at, completed_at`

func (r *donationRepo) GetByReference(ctx context.Context, reference string) (*domain.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations WHERE reference = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, reference))
}

func (r *donationRepo) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations WHERE checkout_request_id = $1`
	return r.scanOne(r.db.QueryRow(ctx, query, checkoutRequestID))
}

func (r *donationRepo) scanOne(row pgx.Row) (*domain.Donation, error) {
	var d domain.Donation
	err := row.Scan(
		&d.ID,
		&d.Reference,
		&d.Amount,
		&d.PhoneNumber,
		&d.Method,
		&d.DonorName,
		&d.DonorEmail,
		&d.Status,
		&d.CheckoutRequestID,
		&d.MerchantRequestID,
		&d.ReceiptNumber,
		&d.ResultCode,
		&d.ResultDescription,
		&d.CallbackData,
		&d.TransactionDate,
		&d.ErrorMessage,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDonationNotFound
		}
		return nil, err
	}
	return &d, nil
}

func (r *donationRepo) AttachProviderIDs(ctx context.Context, id int64, checkoutRequestID, merchantRequestID string) error {
	query := `
        UPDATE donations
        SET
            checkout_request_id = $1,
            merchant_request_id = $2,
            updated_at = NOW()
        WHERE id = $3
    `

	_, err := r.db.Exec(ctx, query, checkoutRequestID, merchantRequestID, id)
	return err
}

func (r *donationRepo) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	query := `
        UPDATE donations
        SET
            status = $1,
            error_message = $2,
            completed_at = NOW(),
            updated_at = NOW()
        WHERE id = $3 AND status = $4
    `

	_, err := r.db.Exec(ctx, query, domain.StatusFailed, errorMsg, id, domain.StatusPending)
	return err
}

func (r *donationRepo) Finalize(ctx context.Context, id int64, outcome FinalizeOutcome) (bool, error) {
	query := `
        UPDATE donations
        SET
            status = $1,
            result_code = $2,
            result_description = $3,
            receipt_number = COALESCE($4, receipt_number),
            transaction_date = COALESCE($5, transaction_date),
            callback_data = $6,
            completed_at = NOW(),
            updated_at = NOW()
        WHERE id = $7 AND status = $8
    `

	tag, err := r.db.Exec(ctx, query,
		outcome.Status,
		outcome.ResultCode,
		outcome.ResultDescription,
		outcome.ReceiptNumber,
		outcome.TransactionDate,
		outcome.CallbackData,
		id,
		domain.StatusPending,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
