package analytics

import (
	"sort"
	"time"

	"github.com/CedrosPay/vouchers/internal/storage"
)

// DailySalesDays is how many calendar days the sales series covers.
const DailySalesDays = 7

// Dashboard is the aggregate view behind /dashboard/stats.
type Dashboard struct {
	GeneratedAt    time.Time              `json:"generated_at"`
	Transactions   int                    `json:"transactions"`
	ByStatus       map[storage.Status]int `json:"by_status"`
	Revenue        int64                  `json:"revenue"`
	ConversionRate float64                `json:"conversion_rate"`
	Products       []ProductStats         `json:"products"`
	DailySales     []DailySales           `json:"daily_sales"`
}

// ProductStats combines sales and remaining stock for one product.
type ProductStats struct {
	ProductName string `json:"product_name"`
	Sold        int    `json:"sold"`
	Revenue     int64  `json:"revenue"`
	Available   int    `json:"available"`
	Total       int    `json:"total"`
}

// DailySales is one day of settled sales.
type DailySales struct {
	Date    string `json:"date"`
	Count   int    `json:"count"`
	Revenue int64  `json:"revenue"`
}

// Summarize aggregates ledger rows and pool inventory. Days are bucketed in loc.
func Summarize(txs []storage.Transaction, inventory []storage.InventoryItem, now time.Time, loc *time.Location) Dashboard {
	if loc == nil {
		loc = time.UTC
	}
	d := Dashboard{
		GeneratedAt:  now,
		Transactions: len(txs),
		ByStatus:     make(map[storage.Status]int),
	}

	products := make(map[string]*ProductStats)
	product := func(name string) *ProductStats {
		p, ok := products[name]
		if !ok {
			p = &ProductStats{ProductName: name}
			products[name] = p
		}
		return p
	}

	today := dayStart(now.In(loc))
	first := today.AddDate(0, 0, -(DailySalesDays - 1))
	days := make([]DailySales, DailySalesDays)
	for i := range days {
		days[i].Date = first.AddDate(0, 0, i).Format("2006-01-02")
	}

	settled := 0
	for _, tx := range txs {
		d.ByStatus[tx.Status]++
		if tx.Status.IsTerminal() {
			settled++
		}
		if tx.Status != storage.StatusSuccessful {
			continue
		}
		amount := tx.EffectiveAmount()
		d.Revenue += amount
		p := product(tx.ProductName)
		p.Sold++
		p.Revenue += amount

		at := tx.UpdatedAt
		if at.IsZero() {
			at = tx.CreatedAt
		}
		idx := int(dayStart(at.In(loc)).Sub(first).Hours() / 24)
		if idx >= 0 && idx < DailySalesDays {
			days[idx].Count++
			days[idx].Revenue += amount
		}
	}
	if settled > 0 {
		d.ConversionRate = float64(d.ByStatus[storage.StatusSuccessful]) / float64(settled)
	}

	for _, item := range inventory {
		p := product(item.ProductName)
		p.Available = item.Available
		p.Total = item.Total
	}

	d.Products = make([]ProductStats, 0, len(products))
	for _, p := range products {
		d.Products = append(d.Products, *p)
	}
	sort.Slice(d.Products, func(i, j int) bool { return d.Products[i].ProductName < d.Products[j].ProductName })
	d.DailySales = days
	return d
}

func dayStart(t time.Time) time.Time {
	y, m, day := t.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, t.Location())
}
