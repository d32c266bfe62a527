package spreadsheet

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseNumber reads a price cell written in either Brazilian ("1.234,56",
// "0,75", "R$ 12,50") or international ("1234.56", "1,234.56") notation.
// A lone dot followed by exactly three digits is a thousands separator
// ("1.234" is 1234) unless the integer part is zero ("0.750").
// ok is false for an empty cell.
func ParseNumber(raw string) (d decimal.Decimal, ok bool, err error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "R$"), "r$")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\t':
			return -1
		}
		return r
	}, s)
	if s == "" || s == "-" {
		return decimal.Zero, false, nil
	}

	lastDot := strings.LastIndexByte(s, '.')
	lastComma := strings.LastIndexByte(s, ',')
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			// 1.234,56
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			// 1,234.56
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 || isThousandsDot(s, lastDot) {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	d, err = decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("valor numérico inválido %q", raw)
	}
	return d, true, nil
}

func isThousandsDot(s string, dot int) bool {
	frac := s[dot+1:]
	if len(frac) != 3 || strings.Trim(frac, "0123456789") != "" {
		return false
	}
	whole := strings.TrimLeft(s[:dot], "+-")
	return whole != "" && strings.TrimLeft(whole, "0") != ""
}
