// internal/provider/mpesa/mpesa.go
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"donation-service/config"
	"donation-service/internal/domain"

	"go.uber.org/zap"
)

// eat is the provider's reference timezone for request timestamps.
var eat = time.FixedZone("EAT", 3*3600)

type Client struct {
	cfg        config.MpesaConfig
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	timeout    time.Duration
	maxRetries int
	logger     *zap.Logger
	now        func() time.Time
}

func NewClient(cfg config.MpesaConfig, logger *zap.Logger) *Client {
	baseURL := "https://sandbox.safaricom.co.ke"
	if cfg.Environment == "production" {
		baseURL = "https://api.safaricom.co.ke"
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		cfg:     cfg,
		baseURL: baseURL,
		// per-attempt deadlines are driven by context, not the client
		httpClient: &http.Client{},
		timeout:    timeout,
		maxRetries: cfg.MaxRetries,
		logger:     logger,
		now:        time.Now,
	}
	c.tokens = NewCachedTokenSource(c.FetchAccessToken)
	return c
}

// SetTokenSource swaps the default in-memory token cache, e.g. for the
// Redis-backed source or a test fake.
func (c *Client) SetTokenSource(ts TokenSource) { c.tokens = ts }

// SetBaseURL points the client at a different API host. Used by tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = url }

// SetTimeout overrides the per-attempt deadline. Used by tests.
func (c *Client) SetTimeout(d time.Duration) { c.timeout = d }

// STKPushParams carries one push request. AccountReference must fit the
// provider's field limit; Method selects paybill vs till semantics.
type STKPushParams struct {
	Amount           float64
	PhoneNumber      string
	AccountReference string
	CallbackURL      string
	Description      string
	Method           domain.PaymentMethod
}

// STKPushResult is the normalized outcome of an initiation attempt.
type STKPushResult struct {
	Success             bool
	CheckoutRequestID   string
	MerchantRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
	Attempts            int
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int    `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// errorEnvelope is the provider's error body. Some endpoints use the OAuth
// style error_description instead of errorMessage.
type errorEnvelope struct {
	RequestID        string `json:"requestId"`
	ErrorCode        string `json:"errorCode"`
	ErrorMessage     string `json:"errorMessage"`
	ErrorDescription string `json:"error_description"`
}

func (e *errorEnvelope) message() string {
	if e.ErrorMessage != "" {
		return e.ErrorMessage
	}
	return e.ErrorDescription
}

// InitiateSTKPush sends the push request. A timed-out attempt is retried up
// to the configured maximum; every other failure is returned as-is. The
// returned result reports how many attempts were made.
func (c *Client) InitiateSTKPush(ctx context.Context, p STKPushParams) (*STKPushResult, error) {
	if len(p.AccountReference) > domain.MaxAccountReferenceLen {
		return nil, domain.ErrReferenceTooLong
	}

	shortCode, transactionType, err := c.resolveMethod(p.Method)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().In(eat).Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(
		shortCode + c.cfg.Passkey + timestamp,
	))

	request := stkPushRequest{
		BusinessShortCode: shortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            int(p.Amount),
		PartyA:            p.PhoneNumber,
		PartyB:            shortCode,
		PhoneNumber:       p.PhoneNumber,
		CallBackURL:       p.CallbackURL,
		AccountReference:  p.AccountReference,
		TransactionDesc:   p.Description,
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Warn("retrying STK push after timeout",
				zap.Int("attempt", attempt+1),
				zap.String("account_reference", p.AccountReference))
		}

		response, err := c.sendSTKPush(ctx, request)
		if err == nil {
			return &STKPushResult{
				Success:             response.ResponseCode == "0",
				CheckoutRequestID:   response.CheckoutRequestID,
				MerchantRequestID:   response.MerchantRequestID,
				ResponseCode:        response.ResponseCode,
				ResponseDescription: response.ResponseDescription,
				CustomerMessage:     response.CustomerMessage,
				Attempts:            attempt + 1,
			}, nil
		}

		if !isTimeout(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("%w after %d attempts: %v",
		domain.ErrTimeout, c.maxRetries+1, lastErr)
}

func (c *Client) sendSTKPush(ctx context.Context, request stkPushRequest) (*stkPushResponse, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/mpesa/stkpush/v1/processrequest"
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Invalidate()
		}
		var envelope errorEnvelope
		_ = json.Unmarshal(responseBody, &envelope)
		msg := envelope.message()
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return nil, &domain.ProviderError{Code: envelope.ErrorCode, Message: msg}
	}

	var response stkPushResponse
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &response, nil
}

// STKQueryResult reports the provider's current view of a push request.
type STKQueryResult struct {
	ResponseCode        string
	ResponseDescription string
	ResultCode          ResultCode
	ResultDesc          string
	CheckoutRequestID   string
	MerchantRequestID   string
}

// QuerySTKPush asks the provider for the status of an earlier push. Useful
// while the asynchronous callback has not arrived yet.
func (c *Client) QuerySTKPush(ctx context.Context, checkoutRequestID string) (*STKQueryResult, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().In(eat).Format("20060102150405")
	password := base64.StdEncoding.EncodeToString([]byte(
		c.cfg.ShortCode + c.cfg.Passkey + timestamp,
	))

	body, err := json.Marshal(map[string]string{
		"BusinessShortCode": c.cfg.ShortCode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": checkoutRequestID,
	})
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + "/mpesa/stkpushquery/v1/query"
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var envelope errorEnvelope
		_ = json.Unmarshal(responseBody, &envelope)
		msg := envelope.message()
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return nil, &domain.ProviderError{Code: envelope.ErrorCode, Message: msg}
	}

	var response struct {
		ResponseCode        string     `json:"ResponseCode"`
		ResponseDescription string     `json:"ResponseDescription"`
		ResultCode          ResultCode `json:"ResultCode"`
		ResultDesc          string     `json:"ResultDesc"`
		CheckoutRequestID   string     `json:"CheckoutRequestID"`
		MerchantRequestID   string     `json:"MerchantRequestID"`
	}
	if err := json.Unmarshal(responseBody, &response); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &STKQueryResult{
		ResponseCode:        response.ResponseCode,
		ResponseDescription: response.ResponseDescription,
		ResultCode:          response.ResultCode,
		ResultDesc:          response.ResultDesc,
		CheckoutRequestID:   response.CheckoutRequestID,
		MerchantRequestID:   response.MerchantRequestID,
	}, nil
}

// FetchAccessToken performs the OAuth client-credentials exchange. Exposed
// as a TokenFetcher so token sources can wrap it.
func (c *Client) FetchAccessToken(ctx context.Context) (string, time.Duration, error) {
	url := c.baseURL + "/oauth/v1/generate?grant_type=client_credentials"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, &domain.AccessTokenError{Err: err}
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, &domain.AccessTokenError{Err: err}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, &domain.AccessTokenError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var envelope errorEnvelope
		_ = json.Unmarshal(responseBody, &envelope)
		msg := envelope.message()
		if msg == "" {
			msg = string(responseBody)
		}
		return "", 0, &domain.AccessTokenError{Message: msg}
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.Unmarshal(responseBody, &result); err != nil {
		return "", 0, &domain.AccessTokenError{Err: err}
	}
	if result.AccessToken == "" {
		return "", 0, &domain.AccessTokenError{Message: "response contained no access token"}
	}

	// expires_in arrives as a numeric string; default to an hour
	expiresIn := time.Hour
	if secs, err := strconv.Atoi(result.ExpiresIn); err == nil && secs > 0 {
		expiresIn = time.Duration(secs) * time.Second
	}

	return result.AccessToken, expiresIn, nil
}

func (c *Client) resolveMethod(method domain.PaymentMethod) (shortCode, transactionType string, err error) {
	switch method {
	case domain.MethodPaybill, "":
		return c.cfg.ShortCode, "CustomerPayBillOnline", nil
	case domain.MethodTill:
		code := c.cfg.TillCode
		if code == "" {
			code = c.cfg.ShortCode
		}
		return code, "CustomerBuyGoodsOnline", nil
	default:
		return "", "", domain.ErrInvalidMethod
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
