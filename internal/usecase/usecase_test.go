package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"donation-service/config"
	"donation-service/internal/domain"
	"donation-service/internal/notification"
	"donation-service/internal/provider/mpesa"
	"donation-service/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRepo is an in-memory DonationRepository with the same conditional
// terminal-transition semantics as the pgx implementation.
type fakeRepo struct {
	mu        sync.Mutex
	nextID    int64
	donations map[int64]*domain.Donation

	attachErr error
	writes    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{nextID: 1, donations: make(map[int64]*domain.Donation)}
}

func (r *fakeRepo) Create(ctx context.Context, d *domain.Donation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.ID = r.nextID
	r.nextID++
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	clone := *d
	r.donations[d.ID] = &clone
	r.writes++
	return nil
}

func (r *fakeRepo) GetByReference(ctx context.Context, reference string) (*domain.Donation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.donations {
		if d.Reference == reference {
			clone := *d
			return &clone, nil
		}
	}
	return nil, domain.ErrDonationNotFound
}

func (r *fakeRepo) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.Donation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.donations {
		if d.CheckoutRequestID != nil && *d.CheckoutRequestID == checkoutRequestID {
			clone := *d
			return &clone, nil
		}
	}
	return nil, domain.ErrDonationNotFound
}

func (r *fakeRepo) AttachProviderIDs(ctx context.Context, id int64, checkoutRequestID, merchantRequestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachErr != nil {
		return r.attachErr
	}
	d := r.donations[id]
	d.CheckoutRequestID = &checkoutRequestID
	d.MerchantRequestID = &merchantRequestID
	r.writes++
	return nil
}

func (r *fakeRepo) MarkFailed(ctx context.Context, id int64, errorMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.donations[id]
	if d.Status != domain.StatusPending {
		return nil
	}
	d.Status = domain.StatusFailed
	d.ErrorMessage = &errorMsg
	r.writes++
	return nil
}

func (r *fakeRepo) Finalize(ctx context.Context, id int64, outcome repository.FinalizeOutcome) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.donations[id]
	if d.Status != domain.StatusPending {
		return false, nil
	}
	d.Status = outcome.Status
	d.ResultCode = &outcome.ResultCode
	d.ResultDescription = &outcome.ResultDescription
	d.ReceiptNumber = outcome.ReceiptNumber
	d.TransactionDate = outcome.TransactionDate
	d.CallbackData = outcome.CallbackData
	r.writes++
	return true, nil
}

func (r *fakeRepo) get(id int64) *domain.Donation {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := *r.donations[id]
	return &clone
}

func (r *fakeRepo) writeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes
}

type fakeSTK struct {
	result *mpesa.STKPushResult
	err    error
	calls  int

	lastParams mpesa.STKPushParams
}

func (s *fakeSTK) InitiateSTKPush(ctx context.Context, p mpesa.STKPushParams) (*mpesa.STKPushResult, error) {
	s.calls++
	s.lastParams = p
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *fakeSTK) QuerySTKPush(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResult, error) {
	return &mpesa.STKQueryResult{CheckoutRequestID: checkoutRequestID}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	receipts []notification.Receipt
	sent     chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(chan struct{}, 8)}
}

func (n *fakeNotifier) SendDonationReceipt(ctx context.Context, r notification.Receipt) error {
	n.mu.Lock()
	n.receipts = append(n.receipts, r)
	n.mu.Unlock()
	n.sent <- struct{}{}
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.receipts)
}

func testConfig() *config.Config {
	return &config.Config{
		Donation: config.DonationConfig{
			MinAmount:       1,
			MaxAmount:       150000,
			AllowedPrefixes: []string{"2547", "2541"},
		},
		PublicBaseURL: "https://donate.example.org",
	}
}

func acceptedPush() *mpesa.STKPushResult {
	return &mpesa.STKPushResult{
		Success:           true,
		CheckoutRequestID: "ws_CO_1",
		MerchantRequestID: "29115-1",
		ResponseCode:      "0",
		Attempts:          1,
	}
}

func initiateReq(amount, phoneNumber string) *InitiateDonationRequest {
	return &InitiateDonationRequest{
		Amount:      json.Number(amount),
		PhoneNumber: phoneNumber,
		DonorName:   "Jane Donor",
		Email:       "jane@example.org",
	}
}

func TestInitiateHappyPath(t *testing.T) {
	repo := newFakeRepo()
	stk := &fakeSTK{result: acceptedPush()}
	uc := NewDonationUsecase(repo, stk, testConfig(), zap.NewNop())

	result, err := uc.Initiate(context.Background(), initiateReq("500", "0712345678"))
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, "ws_CO_1", result.CheckoutRequestID)
	assert.Equal(t, "29115-1", result.MerchantRequestID)
	assert.NotEmpty(t, result.Reference)

	d := repo.get(1)
	assert.Equal(t, domain.StatusPending, d.Status)
	assert.Equal(t, "254712345678", d.PhoneNumber)
	assert.Equal(t, 500.0, d.Amount)
	require.NotNil(t, d.CheckoutRequestID)
	assert.Equal(t, "ws_CO_1", *d.CheckoutRequestID)

	// what went over the wire
	assert.Equal(t, "254712345678", stk.lastParams.PhoneNumber)
	assert.LessOrEqual(t, len(stk.lastParams.AccountReference), domain.MaxAccountReferenceLen)
	assert.Equal(t, "https://donate.example.org/api/mpesa/callback", stk.lastParams.CallbackURL)
}

func TestInitiateAmountValidation(t *testing.T) {
	cases := []struct {
		name   string
		amount string
		want   error
	}{
		{"below minimum", "0.5", domain.ErrAmountTooLow},
		{"above maximum", "150001", domain.ErrAmountTooHigh},
		{"not a number", "abc", domain.ErrAmountNotANumber},
		{"empty", "", domain.ErrAmountNotANumber},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newFakeRepo()
			stk := &fakeSTK{result: acceptedPush()}
			uc := NewDonationUsecase(repo, stk, testConfig(), zap.NewNop())

			_, err := uc.Initiate(context.Background(), initiateReq(tc.amount, "0712345678"))
			assert.ErrorIs(t, err, tc.want)
			assert.Zero(t, stk.calls)
			assert.Zero(t, repo.writeCount())
		})
	}
}

func TestInitiateAmountBoundariesAccepted(t *testing.T) {
	for _, amount := range []string{"1", "150000"} {
		repo := newFakeRepo()
		stk := &fakeSTK{result: acceptedPush()}
		uc := NewDonationUsecase(repo, stk, testConfig(), zap.NewNop())

		result, err := uc.Initiate(context.Background(), initiateReq(amount, "0712345678"))
		require.NoError(t, err, "amount %s", amount)
		assert.True(t, result.Success)
	}
}

func TestInitiateRejectsBadPhone(t *testing.T) {
	repo := newFakeRepo()
	stk := &fakeSTK{result: acceptedPush()}
	uc := NewDonationUsecase(repo, stk, testConfig(), zap.NewNop())

	_, err := uc.Initiate(context.Background(), initiateReq("500", "12345"))
	assert.ErrorIs(t, err, domain.ErrInvalidPhone)
	assert.Zero(t, stk.calls)
}

func TestInitiateRejectsOffDomainCallback(t *testing.T) {
	repo := newFakeRepo()
	stk := &fakeSTK{result: acceptedPush()}
	uc := NewDonationUsecase(repo, stk, testConfig(), zap.NewNop())

	req := initiateReq("500", "0712345678")
	req.CallbackURL = "https://evil.example.com/steal"

	_, err := uc.Initiate(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrCallbackURLOffDomain)
	assert.Zero(t, stk.calls)
}

func TestInitiateRejectsUnknownMethod(t *testing.T) {
	uc := NewDonationUsecase(newFakeRepo(), &fakeSTK{}, testConfig(), zap.NewNop())

	req := initiateReq("500", "0712345678")
	req.PaymentMethod = "cheque"

	_, err := uc.Initiate(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidMethod)
}

func TestInitiateTimeoutMarksDonationFailed(t *testing.T) {
	repo := newFakeRepo()
	stk := &fakeSTK{err: fmt.Errorf("%w after 3 attempts", domain.ErrTimeout)}
	uc := NewDonationUsecase(repo, stk, testConfig(), zap.NewNop())

	result, err := uc.Initiate(context.Background(), initiateReq("500", "0712345678"))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "TIMEOUT", result.ErrorCode)
	assert.Equal(t, domain.StatusFailed, repo.get(1).Status)
}

func TestInitiateProviderErrorMarksDonationFailed(t *testing.T) {
	repo := newFakeRepo()
	stk := &fakeSTK{err: &domain.ProviderError{Code: "500.001.1001", Message: "Unable to lock subscriber"}}
	uc := NewDonationUsecase(repo, stk, testConfig(), zap.NewNop())

	result, err := uc.Initiate(context.Background(), initiateReq("500", "0712345678"))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, "500.001.1001", result.ErrorCode)

	d := repo.get(1)
	assert.Equal(t, domain.StatusFailed, d.Status)
	require.NotNil(t, d.ErrorMessage)
	assert.Contains(t, *d.ErrorMessage, "Unable to lock subscriber")
}

func TestInitiateIDPersistenceFailureMarksFailed(t *testing.T) {
	repo := newFakeRepo()
	repo.attachErr = fmt.Errorf("connection reset")
	stk := &fakeSTK{result: acceptedPush()}
	uc := NewDonationUsecase(repo, stk, testConfig(), zap.NewNop())

	result, err := uc.Initiate(context.Background(), initiateReq("500", "0712345678"))
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, domain.StatusFailed, repo.get(1).Status)
}

func successPayload(checkoutID string) []byte {
	return []byte(`{"Body":{"stkCallback":{
	  "MerchantRequestID":"29115-1",
	  "CheckoutRequestID":"` + checkoutID + `",
	  "ResultCode":0,"ResultDesc":"The service request is processed successfully.",
	  "CallbackMetadata":{"Item":[
	    {"Name":"Amount","Value":500.00},
	    {"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
	    {"Name":"TransactionDate","Value":20191219102115},
	    {"Name":"PhoneNumber","Value":254712345678}
	  ]}}}}`)
}

func TestEndToEndInitiateThenCallback(t *testing.T) {
	repo := newFakeRepo()
	stk := &fakeSTK{result: acceptedPush()}
	notifier := newFakeNotifier()

	donationUC := NewDonationUsecase(repo, stk, testConfig(), zap.NewNop())
	callbackUC := NewCallbackUsecase(repo, notifier, zap.NewNop())

	result, err := donationUC.Initiate(context.Background(), initiateReq("500", "0712345678"))
	require.NoError(t, err)
	require.True(t, result.Success)

	outcome, err := callbackUC.HandleCallback(context.Background(), successPayload("ws_CO_1"))
	require.NoError(t, err)

	assert.True(t, outcome.Matched)
	assert.True(t, outcome.Transitioned)
	assert.Equal(t, domain.StatusCompleted, outcome.Status)

	d := repo.get(1)
	assert.Equal(t, domain.StatusCompleted, d.Status)
	require.NotNil(t, d.ReceiptNumber)
	assert.Equal(t, "NLJ7RT61SV", *d.ReceiptNumber)
	require.NotNil(t, d.TransactionDate)

	select {
	case <-notifier.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation email was never sent")
	}

	require.Equal(t, 1, notifier.count())
	receipt := notifier.receipts[0]
	assert.Equal(t, "jane@example.org", receipt.Email)
	assert.Equal(t, 500.0, receipt.Amount)
	assert.Equal(t, "NLJ7RT61SV", receipt.ReceiptNumber)
	assert.Equal(t, d.Reference, receipt.Reference)
}

func TestDuplicateCallbackIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	stk := &fakeSTK{result: acceptedPush()}
	notifier := newFakeNotifier()

	donationUC := NewDonationUsecase(repo, stk, testConfig(), zap.NewNop())
	callbackUC := NewCallbackUsecase(repo, notifier, zap.NewNop())

	_, err := donationUC.Initiate(context.Background(), initiateReq("500", "0712345678"))
	require.NoError(t, err)

	payload := successPayload("ws_CO_1")

	first, err := callbackUC.HandleCallback(context.Background(), payload)
	require.NoError(t, err)
	require.True(t, first.Transitioned)

	<-notifier.sent
	before := repo.get(1)
	writesBefore := repo.writeCount()

	second, err := callbackUC.HandleCallback(context.Background(), payload)
	require.NoError(t, err)

	assert.True(t, second.Matched)
	assert.False(t, second.Transitioned)
	assert.Equal(t, domain.StatusCompleted, second.Status)

	// record unchanged, no second email
	assert.Equal(t, before, repo.get(1))
	assert.Equal(t, writesBefore, repo.writeCount())

	select {
	case <-notifier.sent:
		t.Fatal("duplicate callback triggered a second email")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 1, notifier.count())
}

func TestUnmatchedCallbackIsAcknowledgedWithoutWrites(t *testing.T) {
	repo := newFakeRepo()
	notifier := newFakeNotifier()
	callbackUC := NewCallbackUsecase(repo, notifier, zap.NewNop())

	outcome, err := callbackUC.HandleCallback(context.Background(), successPayload("ws_CO_unknown"))
	require.NoError(t, err)

	assert.False(t, outcome.Matched)
	assert.Zero(t, repo.writeCount())
	assert.Zero(t, notifier.count())
}

func TestFailedCallbackSendsNoEmail(t *testing.T) {
	repo := newFakeRepo()
	stk := &fakeSTK{result: acceptedPush()}
	notifier := newFakeNotifier()

	donationUC := NewDonationUsecase(repo, stk, testConfig(), zap.NewNop())
	callbackUC := NewCallbackUsecase(repo, notifier, zap.NewNop())

	_, err := donationUC.Initiate(context.Background(), initiateReq("500", "0712345678"))
	require.NoError(t, err)

	payload := []byte(`{"Body":{"stkCallback":{
	  "MerchantRequestID":"29115-1","CheckoutRequestID":"ws_CO_1",
	  "ResultCode":"1032","ResultDesc":"Request cancelled by user"}}}`)

	outcome, err := callbackUC.HandleCallback(context.Background(), payload)
	require.NoError(t, err)

	assert.True(t, outcome.Transitioned)
	assert.Equal(t, domain.StatusFailed, outcome.Status)

	d := repo.get(1)
	assert.Equal(t, domain.StatusFailed, d.Status)
	require.NotNil(t, d.ResultCode)
	assert.Equal(t, "1032", *d.ResultCode)
	assert.Nil(t, d.ReceiptNumber)

	select {
	case <-notifier.sent:
		t.Fatal("failed donation triggered an email")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGetStatusQueriesProviderWhilePending(t *testing.T) {
	repo := newFakeRepo()
	stk := &fakeSTK{result: acceptedPush()}
	uc := NewDonationUsecase(repo, stk, testConfig(), zap.NewNop())

	result, err := uc.Initiate(context.Background(), initiateReq("500", "0712345678"))
	require.NoError(t, err)

	status, err := uc.GetStatus(context.Background(), result.Reference)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPending, status.Donation.Status)
	require.NotNil(t, status.ProviderState)
	assert.Equal(t, "ws_CO_1", status.ProviderState.CheckoutRequestID)
}

func TestGetStatusUnknownReference(t *testing.T) {
	uc := NewDonationUsecase(newFakeRepo(), &fakeSTK{}, testConfig(), zap.NewNop())

	_, err := uc.GetStatus(context.Background(), "DON-NOPE")
	assert.ErrorIs(t, err, domain.ErrDonationNotFound)
}
