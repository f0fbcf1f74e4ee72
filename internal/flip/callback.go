package flip

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"mime/multipart"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformedCallback is returned when a callback body cannot be normalized.
var ErrMalformedCallback = errors.New("flip: malformed callback")

// Notification is a payment-status callback in normalized form.
type Notification struct {
	GatewayTransactionID string
	BillLinkID           string
	BillTitle            string
	Amount               int64
	Status               string
	SenderEmail          string
	SenderName           string
	PaymentMethod        string
}

type callbackPayload struct {
	ID             flexString `json:"id"`
	BillLink       string     `json:"bill_link"`
	BillLinkID     flexString `json:"bill_link_id"`
	BillTitle      string     `json:"bill_title"`
	SenderName     string     `json:"sender_name"`
	SenderEmail    string     `json:"sender_email"`
	SenderBank     string     `json:"sender_bank"`
	SenderBankType string     `json:"sender_bank_type"`
	Amount         flexAmount `json:"amount"`
	Status         string     `json:"status"`
}

// ParseCallback normalizes a callback body into a Notification.
// Accepted shapes: a JSON object, a JSON object wrapped under "data" (object or
// JSON string), and a form body whose "data" field carries the JSON object.
func ParseCallback(contentType string, body []byte) (Notification, error) {
	raw, err := extractPayload(contentType, body)
	if err != nil {
		return Notification{}, err
	}

	var p callbackPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if strings.TrimSpace(p.Status) == "" {
		return Notification{}, fmt.Errorf("%w: status is required", ErrMalformedCallback)
	}
	if strings.TrimSpace(string(p.ID)) == "" {
		return Notification{}, fmt.Errorf("%w: id is required", ErrMalformedCallback)
	}

	method := p.SenderBank
	if method == "" {
		method = p.SenderBankType
	}
	return Notification{
		GatewayTransactionID: strings.TrimSpace(string(p.ID)),
		BillLinkID:           strings.TrimSpace(string(p.BillLinkID)),
		BillTitle:            strings.TrimSpace(p.BillTitle),
		Amount:               int64(p.Amount),
		Status:               strings.ToUpper(strings.TrimSpace(p.Status)),
		SenderEmail:          strings.ToLower(strings.TrimSpace(p.SenderEmail)),
		SenderName:           strings.TrimSpace(p.SenderName),
		PaymentMethod:        strings.ToLower(strings.TrimSpace(method)),
	}, nil
}

func extractPayload(contentType string, body []byte) ([]byte, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedCallback)
	}

	mediaType, params, _ := mime.ParseMediaType(contentType)
	if mediaType == "multipart/form-data" {
		return multipartData(body, params["boundary"])
	}
	isForm := mediaType == "application/x-www-form-urlencoded"
	if !isForm && body[0] != '{' && bytes.HasPrefix(body, []byte("data=")) {
		isForm = true
	}

	if isForm {
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		return formData(values.Get("data"))
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	data := bytes.TrimSpace(envelope.Data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		return body, nil
	case data[0] == '{':
		return data, nil
	case data[0] == '"':
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
		}
		return []byte(inner), nil
	default:
		return nil, fmt.Errorf("%w: unsupported data field", ErrMalformedCallback)
	}
}

// flexString accepts a JSON string, number or null.
type flexString string

func (s *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = flexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = flexString(n.String())
	return nil
}

// flexAmount accepts a JSON number or a numeric string, rounded to whole rupiah.
type flexAmount int64

func (a *flexAmount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*a = 0
		return nil
	}
	raw := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*a = 0
		return nil
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*a = flexAmount(n)
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("amount %q is not numeric", raw)
	}
	*a = flexAmount(math.Round(f))
	return nil
}

// maxMultipartMemory bounds a multipart callback held in memory; callbacks are a few hundred bytes.
const maxMultipartMemory = 1 << 20

func multipartData(body []byte, boundary string) ([]byte, error) {
	if boundary == "" {
		return nil, fmt.Errorf("%w: multipart body without boundary", ErrMalformedCallback)
	}
	form, err := multipart.NewReader(bytes.NewReader(body), boundary).ReadForm(maxMultipartMemory)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	defer form.RemoveAll()
	var data string
	if v := form.Value["data"]; len(v) > 0 {
		data = v[0]
	}
	return formData(data)
}

func formData(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, fmt.Errorf("%w: form body has no data field", ErrMalformedCallback)
	}
	return []byte(data), nil
}
