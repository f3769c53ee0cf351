package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

// CellKind discriminates the value held by a Cell.
type CellKind int

const (
	CellEmpty CellKind = iota
	CellText
	CellNumber
)

// Cell is a single raw spreadsheet value: text, number, or absent.
// The Sheets API returns unformatted values, so a cell that looks like a
// date in the sheet arrives as a serial number and a currency cell as a
// plain float.
type Cell struct {
	Kind   CellKind
	Text   string
	Number float64
}

// TextCell returns a text-valued Cell.
func TextCell(s string) Cell {
	return Cell{Kind: CellText, Text: s}
}

// NumberCell returns a number-valued Cell.
func NumberCell(f float64) Cell {
	return Cell{Kind: CellNumber, Number: f}
}

// MarshalJSON writes the cell in its canonical wire form:
// null, a JSON string, or a JSON number.
func (c Cell) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case CellText:
		return json.Marshal(c.Text)
	case CellNumber:
		return json.Marshal(c.Number)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts the scalar forms the Sheets values API produces.
// Booleans are folded into text so a stray TRUE/FALSE cell does not abort
// decoding of an otherwise valid grid.
func (c *Cell) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*c = Cell{}
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = TextCell(s)
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		if b {
			*c = TextCell("TRUE")
		} else {
			*c = TextCell("FALSE")
		}
		return nil
	default:
		n, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("cell: unsupported value %s", data)
		}
		*c = NumberCell(n)
		return nil
	}
}

// SourceHash computes the SHA-256 fingerprint of a raw grid over its
// canonical JSON serialization. Stored on every sync run as an audit
// fingerprint; it is not used to short-circuit unchanged re-runs.
func SourceHash(grid [][]Cell) string {
	data, err := json.Marshal(grid)
	if err != nil {
		// Cell.MarshalJSON never errors; hash an empty grid if it ever does.
		data = []byte("[]")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
