package main

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CedrosPay/vouchers/internal/storage"
)

// seedFile is the inventory document loaded into the voucher pool.
//
//	products:
//	  - product_name: Latte
//	    amount: 25000
//	    discounted_amount: 20000
//	    codes: [LAT-0001, LAT-0002]
type seedFile struct {
	Products []seedProduct `yaml:"products"`
}

type seedProduct struct {
	ProductName      string   `yaml:"product_name"`
	Amount           int64    `yaml:"amount"`
	DiscountedAmount *int64   `yaml:"discounted_amount"`
	Codes            []string `yaml:"codes"`
}

// parseSeedFile decodes r and flattens it into vouchers. Duplicate codes are rejected.
func parseSeedFile(r io.Reader) ([]storage.Voucher, error) {
	var doc seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse seed yaml: %w", err)
	}

	seen := make(map[string]string)
	var out []storage.Voucher
	for i, p := range doc.Products {
		name := strings.TrimSpace(p.ProductName)
		if name == "" {
			return nil, fmt.Errorf("products[%d]: product_name is required", i)
		}
		if p.Amount <= 0 {
			return nil, fmt.Errorf("products[%d] %s: amount must be positive", i, name)
		}
		if p.DiscountedAmount != nil && (*p.DiscountedAmount <= 0 || *p.DiscountedAmount > p.Amount) {
			return nil, fmt.Errorf("products[%d] %s: discounted_amount must be between 1 and amount", i, name)
		}
		for _, code := range p.Codes {
			code = strings.TrimSpace(code)
			if code == "" {
				continue
			}
			if prev, dup := seen[code]; dup {
				return nil, fmt.Errorf("code %s listed for both %s and %s", code, prev, name)
			}
			seen[code] = name
			v := storage.Voucher{Code: code, ProductName: name, Amount: p.Amount}
			if p.DiscountedAmount != nil {
				d := *p.DiscountedAmount
				v.DiscountedAmount = &d
			}
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("seed file lists no voucher codes")
	}
	return out, nil
}
