// Package transaction scrapes the payments transactions feed. Pages are
// fetched newest first through the scheduler and merged with the
// transactions kept from earlier runs.
package transaction

import (
	"encoding/json"
	"sort"
	"time"
)

// Transaction is one charge or refund on a payment instrument.
type Transaction struct {
	Date     time.Time `json:"date"`
	OrderIDs []string  `json:"order_ids"`
	CardInfo string    `json:"card_info"`
	Amount   float64   `json:"amount"`
	Vendor   string    `json:"vendor"`
}

func (t Transaction) key() string {
	// Field order is fixed by the struct, so the encoding is a stable
	// identity for de-duplication.
	b, _ := json.Marshal(t)
	return string(b)
}

// Merge returns the union of a and b without duplicates, newest first.
func Merge(a, b []Transaction) []Transaction {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]Transaction, 0, len(a)+len(b))
	for _, list := range [][]Transaction{a, b} {
		for _, t := range list {
			t.Date = t.Date.UTC()
			k := t.key()
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out
}

func newest(ts []Transaction) time.Time {
	var max time.Time
	for _, t := range ts {
		if t.Date.After(max) {
			max = t.Date
		}
	}
	return max
}

func oldest(ts []Transaction) time.Time {
	var min time.Time
	for i, t := range ts {
		if i == 0 || t.Date.Before(min) {
			min = t.Date
		}
	}
	return min
}
