package ratelimit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, method, path, remote string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDefaultConfig_AllowsRedirectPolling(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.GlobalEnabled || !cfg.PerEmailEnabled || !cfg.PerIPEnabled {
		t.Fatalf("limiters disabled by default: %+v", cfg)
	}
	// The redirect page polls every 3s; one buyer must stay well under the IP limit.
	if perMinute := int(time.Minute / (3 * time.Second)); cfg.PerIPLimit < 2*perMinute {
		t.Errorf("per-IP limit %d too low for polling", cfg.PerIPLimit)
	}
}

func TestGlobalLimiter(t *testing.T) {
	off := GlobalLimiter(Config{})(okHandler())
	for i := 0; i < 50; i++ {
		if rec := serve(off, http.MethodGet, "/vouchers", ""); rec.Code != http.StatusOK {
			t.Fatalf("disabled limiter rejected request %d", i)
		}
	}

	on := GlobalLimiter(Config{GlobalEnabled: true, GlobalLimit: 5, GlobalWindow: time.Second})(okHandler())
	for i := 0; i < 5; i++ {
		if rec := serve(on, http.MethodGet, "/vouchers", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	rec := serve(on, http.MethodGet, "/vouchers", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("6th request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
	if !strings.Contains(rec.Body.String(), `"success":false`) || !strings.Contains(rec.Body.String(), "rate_limit_exceeded") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestEmailLimiter_PerEmailLimit(t *testing.T) {
	handler := EmailLimiter(Config{
		PerEmailEnabled: true,
		PerEmailLimit:   2,
		PerEmailWindow:  1 * time.Second,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The handler still sees the full body.
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "product_name") {
			t.Errorf("body not restored: %q", body)
		}
		w.WriteHeader(http.StatusOK)
	}))

	post := func(email string) int {
		req := httptest.NewRequest("POST", "/create-payment",
			strings.NewReader(`{"email":"`+email+`","product_name":"Latte","amount":25000}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := post("budi@example.com"); code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, code)
		}
	}
	if code := post("BUDI@example.com "); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 for normalized repeat email, got %d", code)
	}
	if code := post("sari@example.com"); code != http.StatusOK {
		t.Errorf("other email should have its own bucket, got %d", code)
	}
}

func TestExtractEmailFromRequest(t *testing.T) {
	tests := []struct {
		name  string
		build func() *http.Request
		want  string
	}{
		{
			name: "header",
			build: func() *http.Request {
				r := httptest.NewRequest("POST", "/vouchers/use", nil)
				r.Header.Set("X-Customer-Email", "A@B.com")
				return r
			},
			want: "a@b.com",
		},
		{
			name: "query",
			build: func() *http.Request {
				return httptest.NewRequest("GET", "/vouchers?email=q@b.com", nil)
			},
			want: "q@b.com",
		},
		{
			name: "json body",
			build: func() *http.Request {
				r := httptest.NewRequest("POST", "/create-payment", strings.NewReader(`{"email":"j@b.com"}`))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
			want: "j@b.com",
		},
		{
			name: "form body",
			build: func() *http.Request {
				r := httptest.NewRequest("POST", "/vouchers/use", strings.NewReader("name=x&email=f%40b.com&product_name=Latte"))
				r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				return r
			},
			want: "f@b.com",
		},
		{
			name: "nothing",
			build: func() *http.Request {
				return httptest.NewRequest("POST", "/create-payment", strings.NewReader(`not json`))
			},
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractEmailFromRequest(tt.build()); got != tt.want {
				t.Errorf("extractEmailFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIPLimiter_SeparatesClients(t *testing.T) {
	h := IPLimiter(Config{PerIPEnabled: true, PerIPLimit: 3, PerIPWindow: time.Second})(okHandler())

	for i := 0; i < 3; i++ {
		if rec := serve(h, http.MethodGet, "/check-transaction", "192.168.1.100:54321"); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	if rec := serve(h, http.MethodGet, "/check-transaction", "192.168.1.100:54321"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("4th request = %d, want 429", rec.Code)
	}
	if rec := serve(h, http.MethodGet, "/check-transaction", "192.168.1.101:54321"); rec.Code != http.StatusOK {
		t.Errorf("other client = %d, want 200", rec.Code)
	}
}

func TestCleanupLimiter(t *testing.T) {
	h := CleanupLimiter(1, time.Minute, nil)(okHandler())
	first := serve(h, http.MethodPost, "/cleanup-expired", "10.1.1.1:1000").Code
	second := serve(h, http.MethodPost, "/cleanup-expired", "10.1.1.1:1000").Code
	if first != http.StatusOK || second != http.StatusTooManyRequests {
		t.Errorf("codes = [%d %d], want [200 429]", first, second)
	}
	if CleanupLimiter(0, time.Minute, nil)(okHandler()) == nil {
		t.Error("zero limit must pass through")
	}
}
