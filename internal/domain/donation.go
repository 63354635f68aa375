// internal/domain/donation.go
package domain

import (
	"encoding/json"
	"time"
)

type DonationStatus string
type PaymentMethod string

const (
	StatusPending   DonationStatus = "PENDING"
	StatusCompleted DonationStatus = "COMPLETED"
	StatusFailed    DonationStatus = "FAILED"

	// Declared for the record store; the payment core never drives these.
	StatusRefunded  DonationStatus = "REFUNDED"
	StatusCancelled DonationStatus = "CANCELLED"
	StatusExpired   DonationStatus = "EXPIRED"
)

const (
	MethodPaybill PaymentMethod = "paybill"
	MethodTill    PaymentMethod = "till"
)

// MaxAccountReferenceLen is the provider's limit on the AccountReference
// field of an STK push request.
const MaxAccountReferenceLen = 12

// Donation represents a single donation and its payment lifecycle.
// A donation is created PENDING, gets its provider correlation IDs attached
// once the STK push is accepted, and is moved to a terminal status exactly
// once by the callback reconciler.
type Donation struct {
	ID        int64  `json:"id" db:"id"`
	Reference string `json:"reference" db:"reference"`

	Amount      float64       `json:"amount" db:"amount"`
	PhoneNumber string        `json:"phone_number" db:"phone_number"`
	Method      PaymentMethod `json:"payment_method" db:"payment_method"`

	DonorName  *string `json:"donor_name,omitempty" db:"donor_name"`
	DonorEmail *string `json:"donor_email,omitempty" db:"donor_email"`

	Status DonationStatus `json:"status" db:"status"`

	CheckoutRequestID *string `json:"checkout_request_id,omitempty" db:"checkout_request_id"`
	MerchantRequestID *string `json:"merchant_request_id,omitempty" db:"merchant_request_id"`

	ReceiptNumber     *string         `json:"receipt_number,omitempty" db:"receipt_number"`
	ResultCode        *string         `json:"result_code,omitempty" db:"result_code"`
	ResultDescription *string         `json:"result_description,omitempty" db:"result_description"`
	CallbackData      json.RawMessage `json:"callback_data,omitempty" db:"callback_data"`
	TransactionDate   *time.Time      `json:"transaction_date,omitempty" db:"transaction_date"`

	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Terminal reports whether the donation has reached a final status.
func (d *Donation) Terminal() bool {
	switch d.Status {
	case StatusCompleted, StatusFailed, StatusRefunded, StatusCancelled, StatusExpired:
		return true
	}
	return false
}
