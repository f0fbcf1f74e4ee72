package httpserver

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
)

// maxRequestBodyBytes bounds checkout and callback bodies.
const maxRequestBodyBytes = 64 << 10

// decodeJSON decodes a bounded JSON request body into dest.
// Unknown fields are tolerated; storefronts send extra form state.
func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer body.Close()
	return json.NewDecoder(body).Decode(dest)
}

// withQuery returns rawURL with key=value set, or rawURL unchanged when it does not parse.
func withQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
