package mpesa

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 500.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254712345678}
        ]
      }
    }
  }
}`

func TestParseCallbackSuccess(t *testing.T) {
	result, err := ParseCallback([]byte(successCallback))
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_191220191020363925", result.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", result.MerchantRequestID)
	assert.Equal(t, 0, result.ResultCode)
	assert.True(t, result.Success)

	receipt, ok := result.Metadata.ReceiptNumber()
	require.True(t, ok)
	assert.Equal(t, "NLJ7RT61SV", receipt)

	amount, ok := result.Metadata.Amount()
	require.True(t, ok)
	assert.Equal(t, 500.0, amount)

	phone, ok := result.Metadata.PhoneNumber()
	require.True(t, ok)
	assert.Equal(t, "254712345678", phone)

	txDate, ok := result.Metadata.TransactionDate()
	require.True(t, ok)
	assert.Equal(t, 2019, txDate.Year())
	assert.Equal(t, time.December, txDate.Month())
	assert.Equal(t, 19, txDate.Day())
}

func TestParseCallbackResultCodeAsString(t *testing.T) {
	payload := `{"Body":{"stkCallback":{
	  "MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1",
	  "ResultCode":"1032","ResultDesc":"Request cancelled by user"}}}`

	result, err := ParseCallback([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, 1032, result.ResultCode)
	assert.False(t, result.Success)
}

func TestParseCallbackResultCodeZeroAsString(t *testing.T) {
	payload := `{"Body":{"stkCallback":{
	  "MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1",
	  "ResultCode":"0","ResultDesc":"ok"}}}`

	result, err := ParseCallback([]byte(payload))
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestParseCallbackFailureHasNoMetadata(t *testing.T) {
	payload := `{"Body":{"stkCallback":{
	  "MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1",
	  "ResultCode":1037,"ResultDesc":"DS timeout"}}}`

	result, err := ParseCallback([]byte(payload))
	require.NoError(t, err)
	assert.False(t, result.Success)

	_, ok := result.Metadata.ReceiptNumber()
	assert.False(t, ok)
	_, ok = result.Metadata.Amount()
	assert.False(t, ok)
}

func TestParseCallbackMalformedMetadataFailsClosed(t *testing.T) {
	payload := `{"Body":{"stkCallback":{
	  "MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1",
	  "ResultCode":0,"ResultDesc":"ok",
	  "CallbackMetadata":{"Item":[
	    {"Name":"MpesaReceiptNumber","Value":12345},
	    {"Name":"TransactionDate","Value":"not-a-date"},
	    {"Value":"orphan value"}
	  ]}}}}`

	result, err := ParseCallback([]byte(payload))
	require.NoError(t, err)

	// wrong type reads as absent, never as a panic or error
	_, ok := result.Metadata.ReceiptNumber()
	assert.False(t, ok)
	_, ok = result.Metadata.TransactionDate()
	assert.False(t, ok)
}

func TestParseCallbackRejectsMissingCheckoutID(t *testing.T) {
	_, err := ParseCallback([]byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`))
	assert.Error(t, err)
}

func TestParseCallbackRejectsInvalidJSON(t *testing.T) {
	_, err := ParseCallback([]byte(`{`))
	assert.Error(t, err)
}
