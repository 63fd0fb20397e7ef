package checkout

import (
	"encoding/json"
	"fmt"

	"github.com/xraph/entitle/gateway"
)

type webhookBody struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type webhookData struct {
	OrderCode           int64  `json:"orderCode"`
	Amount              int64  `json:"amount"`
	Description         string `json:"description"`
	Reference           string `json:"reference"`
	TransactionDateTime string `json:"transactionDateTime"`
	Code                string `json:"code"`
	Desc                string `json:"desc"`
}

// DecodeWebhook verifies the notification signature and normalizes it.
func (c *Client) DecodeWebhook(body []byte) (*gateway.WebhookPayload, error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, fmt.Errorf("checkout: decode webhook: %w", err)
	}
	if len(wb.Data) == 0 || wb.Signature == "" {
		return nil, ErrInvalidSignature
	}
	if err := c.verifyData(wb.Data, wb.Signature); err != nil {
		return nil, err
	}

	var d webhookData
	if err := json.Unmarshal(wb.Data, &d); err != nil {
		return nil, fmt.Errorf("checkout: decode webhook data: %w", err)
	}

	result := d.Code
	if result == "" {
		result = wb.Code
	}
	return &gateway.WebhookPayload{
		ResultCode:      result,
		Description:     d.Desc,
		CorrelationCode: d.OrderCode,
		Amount:          d.Amount,
		TransactionRef:  d.Reference,
		TransactionTime: c.parseTime(d.TransactionDateTime),
	}, nil
}
