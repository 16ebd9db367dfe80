package webhook

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigFastest

// Event is an asynchronous status update sent by a PSP.
type Event struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	PSP           string `json:"psp"`
	Status        string `json:"status"`
	Code          string `json:"code,omitempty"`
	Reference     string `json:"reference,omitempty"`
	Amount        int64  `json:"amount,omitempty"`
}

var ErrMalformedEvent = errors.New("webhook: malformed event")

// ParseEvent decodes a verified body. The PSP id from the URL wins over the
// one in the payload.
func ParseEvent(pspID string, body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.TransactionID == "" || ev.Status == "" {
		return nil, fmt.Errorf("%w: id, transactionId and status are required", ErrMalformedEvent)
	}
	if pspID != "" {
		ev.PSP = pspID
	}
	return &ev, nil
}
