// Package utils provides small formatting helpers shared by the CLI.
package utils

import (
	"fmt"
	"strings"
)

// FormatRupiah formats an amount as Indonesian Rupiah using plain
// thousands grouping (not the lakh/crore grouping used by some other
// South Asian exchanges).
func FormatRupiah(amount float64) string {
	negative := amount < 0
	if negative {
		amount = -amount
	}

	str := fmt.Sprintf("%.2f", amount)
	parts := strings.SplitN(str, ".", 2)
	result := "Rp" + groupThousands(parts[0]) + "," + parts[1]
	if negative {
		result = "-" + result
	}
	return result
}

// groupThousands inserts "." every three digits from the right, the
// convention used for Rupiah amounts.
func groupThousands(s string) string {
	n := len(s)
	if n <= 3 {
		return s
	}
	var groups []string
	for n > 3 {
		groups = append([]string{s[n-3:]}, groups...)
		s = s[:n-3]
		n = len(s)
	}
	groups = append([]string{s}, groups...)
	return strings.Join(groups, ".")
}

// FormatPercent formats a percentage change with an explicit sign.
func FormatPercent(value float64) string {
	sign := ""
	if value > 0 {
		sign = "+"
	}
	return fmt.Sprintf("%s%.2f%%", sign, value)
}

// FormatQuantity formats a lot/share count with thousands grouping.
func FormatQuantity(qty int64) string {
	return groupThousands(fmt.Sprintf("%d", qty))
}
