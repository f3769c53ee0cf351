package core

// parse.go converts raw spreadsheet cells into typed values.
//
// The source sheet is human-maintained and mixes locales:
//   - numbers as floats, "1.234,56", "R$ 50", "(100,00)", "-"
//   - dates as spreadsheet serial numbers or free text
//   - labels with Portuguese diacritics and inconsistent spacing
//
// All parse functions return the zero value plus ok=false (or nil) for
// empty/unparseable input so callers can map them to SQL NULLs.

import (
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MinDateSerial is the smallest numeric cell treated as a date serial.
// Anything below it is an ordinary number (serial 20000 is mid-1954).
const MinDateSerial = 20000

// unixEpochSerial is the spreadsheet serial for 1970-01-01 under the
// 1899-12-30 epoch used by Sheets and Excel.
const unixEpochSerial = 25569

// dateLayouts are the textual date formats accepted by ParseMonth.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// stripMarks removes combining marks after NFD decomposition, turning
// "Rentabilidade (ao mês)" into "Rentabilidade (ao mes)".
var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizeLabel canonicalizes a metric label for lookup: diacritics
// stripped, case folded, internal whitespace collapsed, trimmed.
// Pure and locale-independent.
func NormalizeLabel(s string) string {
	folded, _, err := transform.String(stripMarks, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// ParseNumber converts a cell to a float, or nil for empty, dash-only, or
// unparseable values. Textual values tolerate the sheet's accounting
// conventions: a currency marker, parentheses for negatives, and Brazilian
// separators (comma decimal, dot thousands).
func ParseNumber(c Cell) *float64 {
	switch c.Kind {
	case CellNumber:
		if math.IsNaN(c.Number) || math.IsInf(c.Number, 0) {
			return nil
		}
		v := c.Number
		return &v
	case CellText:
		return parseNumberText(c.Text)
	default:
		return nil
	}
}

func parseNumberText(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "-" {
		return nil
	}

	neg := strings.HasPrefix(raw, "(") && strings.HasSuffix(raw, ")")
	s := raw
	if neg {
		s = s[1 : len(s)-1]
	}

	s = strings.ReplaceAll(s, "R$", "")
	s = strings.Join(strings.Fields(s), "")

	switch {
	case strings.Contains(s, ",") && strings.Contains(s, "."):
		// Both separators present: dot is thousands, comma is decimal.
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	case strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ",", ".")
	}

	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil
	}
	if neg {
		n = -n
	}
	return &n
}

// ParseMonth converts a cell to the first day of its calendar month in UTC.
// Numeric cells above MinDateSerial are day counts from the 1899-12-30
// spreadsheet epoch; textual cells are parsed against dateLayouts.
func ParseMonth(c Cell) (time.Time, bool) {
	switch c.Kind {
	case CellNumber:
		if math.IsNaN(c.Number) || math.IsInf(c.Number, 0) || c.Number <= MinDateSerial {
			return time.Time{}, false
		}
		return truncateToMonth(serialToDate(c.Number)), true
	case CellText:
		s := strings.TrimSpace(c.Text)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return truncateToMonth(t.UTC()), true
			}
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

// serialToDate maps a spreadsheet serial to a UTC date. Rounding to whole
// milliseconds before converting keeps fractional serials from drifting
// across the midnight boundary.
func serialToDate(serial float64) time.Time {
	ms := math.Round((serial - unixEpochSerial) * 86400 * 1000)
	t := time.UnixMilli(int64(ms)).UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func truncateToMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// ISODate formats a date as YYYY-MM-DD, the wire form used for mes and
// periodo fields.
func ISODate(t time.Time) string {
	return t.Format("2006-01-02")
}
