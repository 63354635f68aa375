// internal/provider/mpesa/callback.go
package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ResultCode tolerates the provider sending the code as a JSON number or a
// numeric string. Comparisons always happen on the normalized int.
type ResultCode int

func (rc *ResultCode) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*rc = 0
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid result code %q: %w", data, err)
	}
	*rc = ResultCode(n)
	return nil
}

func (rc ResultCode) String() string { return strconv.Itoa(int(rc)) }

type callbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string     `json:"MerchantRequestID"`
			CheckoutRequestID string     `json:"CheckoutRequestID"`
			ResultCode        ResultCode `json:"ResultCode"`
			ResultDesc        string     `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// CallbackMetadata is the Item list flattened into a lookup. Accessors fail
// closed: a missing or wrongly-typed field reads as absent.
type CallbackMetadata map[string]interface{}

func (m CallbackMetadata) ReceiptNumber() (string, bool) {
	return m.stringValue("MpesaReceiptNumber")
}

func (m CallbackMetadata) Amount() (float64, bool) {
	return m.floatValue("Amount")
}

func (m CallbackMetadata) PhoneNumber() (string, bool) {
	// the provider sends the phone as a number
	if f, ok := m.floatValue("PhoneNumber"); ok {
		return strconv.FormatFloat(f, 'f', 0, 64), true
	}
	return m.stringValue("PhoneNumber")
}

func (m CallbackMetadata) TransactionDate() (time.Time, bool) {
	var raw string
	if f, ok := m.floatValue("TransactionDate"); ok {
		raw = strconv.FormatFloat(f, 'f', 0, 64)
	} else if s, ok := m.stringValue("TransactionDate"); ok {
		raw = s
	} else {
		return time.Time{}, false
	}

	t, err := time.ParseInLocation("20060102150405", raw, eat)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func (m CallbackMetadata) stringValue(name string) (string, bool) {
	v, ok := m[name].(string)
	return v, ok && v != ""
}

func (m CallbackMetadata) floatValue(name string) (float64, bool) {
	v, ok := m[name].(float64)
	return v, ok
}

// CallbackResult is a parsed STK callback.
type CallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Success           bool
	Metadata          CallbackMetadata
}

// ParseCallback decodes the nested callback envelope. Metadata items with a
// missing name are dropped rather than failing the whole callback.
func ParseCallback(payload []byte) (*CallbackResult, error) {
	var envelope callbackEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse callback: %w", err)
	}

	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" {
		return nil, fmt.Errorf("callback has no CheckoutRequestID")
	}

	metadata := make(CallbackMetadata, len(cb.CallbackMetadata.Item))
	for _, item := range cb.CallbackMetadata.Item {
		if item.Name == "" {
			continue
		}
		metadata[item.Name] = item.Value
	}

	return &CallbackResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        int(cb.ResultCode),
		ResultDesc:        cb.ResultDesc,
		Success:           cb.ResultCode == 0,
		Metadata:          metadata,
	}, nil
}
