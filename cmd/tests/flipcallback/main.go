package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CedrosPay/vouchers/internal/config"
	"github.com/CedrosPay/vouchers/internal/flip"
	"github.com/CedrosPay/vouchers/internal/httputil"
	"github.com/CedrosPay/vouchers/internal/poller"
)

// Sends a signed synthetic Flip callback to a running server and polls
// check-transaction until the voucher is issued.
func main() {
	configPath := flag.String("config", "", "path to config yaml")
	baseURL := flag.String("base-url", "http://localhost:8080", "server root including any route prefix")
	tempID := flag.String("temp-id", "", "transaction_id returned by create-payment")
	gatewayID := flag.String("gateway-id", "", "Flip transaction id the bill was linked to")
	billLinkID := flag.Int64("bill-link-id", 0, "Flip bill link id")
	status := flag.String("status", "SUCCESSFUL", "callback status")
	amount := flag.Int64("amount", 0, "paid amount")
	email := flag.String("email", "", "payer email")
	product := flag.String("product", "", "bill title")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	payload := map[string]any{
		"id":           *gatewayID,
		"bill_link_id": *billLinkID,
		"bill_title":   *product,
		"amount":       *amount,
		"status":       *status,
		"sender_email": *email,
		"sender_bank":  cfg.Flip.SenderBank,
		"created_at":   time.Now().Format("2006-01-02 15:04:05"),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Fatalf("encode callback: %v", err)
	}

	client := httputil.NewClient(15 * time.Second)
	root := strings.TrimSuffix(*baseURL, "/")

	req, err := http.NewRequest(http.MethodPost, root+"/flip-callback", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(cfg.Flip.SignatureHeader, flip.Sign(cfg.Flip.WebhookSecret, body))

	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("post callback: %v", err)
	}
	ack, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	fmt.Printf("callback %d %s\n", resp.StatusCode, strings.TrimSpace(string(ack)))
	if resp.StatusCode != http.StatusOK || *tempID == "" {
		return
	}

	policy := poller.PolicyFrom(cfg.Checkout)
	ctx, cancel := context.WithTimeout(context.Background(), policy.Budget()+30*time.Second)
	defer cancel()

	checkURL := root + "/check-transaction?transaction_id=" + url.QueryEscape(*tempID)
	attempts, err := poller.Wait(ctx, policy, func(ctx context.Context, _ int) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, nil
		}
		defer resp.Body.Close()
		var out struct {
			Success     bool   `json:"success"`
			Status      string `json:"status"`
			VoucherCode string `json:"voucher_code"`
		}
		if resp.StatusCode != http.StatusOK {
			return false, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return false, err
		}
		fmt.Printf("status=%s success=%t voucher=%s\n", out.Status, out.Success, out.VoucherCode)
		return true, nil
	})
	if err != nil {
		log.Fatalf("check-transaction after %d attempts: %v", attempts, err)
	}
}
