package checkout

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

func sign(key, data string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func requestSignatureData(r createRequest) string {
	return fmt.Sprintf("amount=%d&cancelUrl=%s&description=%s&orderCode=%d&returnUrl=%s",
		r.Amount, r.CancelURL, r.Description, r.OrderCode, r.ReturnURL)
}

// canonicalData renders a JSON object as "k1=v1&k2=v2" with keys sorted.
// Nulls render empty, nested values render as compact JSON.
func canonicalData(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return "", fmt.Errorf("checkout: decode signed data: %w", err)
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+canonicalValue(m[k]))
	}
	return strings.Join(parts, "&"), nil
}

func canonicalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		if x == "null" || x == "undefined" {
			return ""
		}
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func (c *Client) verifyData(raw json.RawMessage, signature string) error {
	data, err := canonicalData(raw)
	if err != nil {
		return err
	}
	want, err := hex.DecodeString(sign(c.checksumKey, data))
	if err != nil {
		return err
	}
	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(want, got) {
		return ErrInvalidSignature
	}
	return nil
}
