// pkg/signature/signature.go
// Package signature implements the HMAC scheme used to authenticate inbound
// payment callbacks. The signature is an HMAC-SHA256 over the canonical form
// of the JSON body: top-level keys sorted lexicographically, each serialized
// as key=urlEncode(value), joined with "&".
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
)

// Sign computes the hex-encoded HMAC of the canonical form of body.
func Sign(body []byte, secret string) (string, error) {
	canonical, err := Canonicalize(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature for body and compares it against the
// supplied one in constant time. A missing signature or unparseable body
// verifies as false.
func Verify(body []byte, sig, secret string) bool {
	if sig == "" {
		return false
	}
	expected, err := Sign(body, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(sig))
}

// Canonicalize renders the JSON body into its signed form.
func Canonicalize(body []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte('&')
		}
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(url.QueryEscape(stringify(fields[k])))
	}
	return buf.String(), nil
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		// nested objects and arrays sign as their compact JSON
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
