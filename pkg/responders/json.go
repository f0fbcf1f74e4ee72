package responders

import (
	"encoding/json"
	"net/http"
)

// JSON writes payload with status. Responses may carry voucher codes, so
// intermediaries are told not to cache them. HTML escaping is off so payment
// URLs keep their literal '&'.
func JSON(w http.ResponseWriter, status int, payload any) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
