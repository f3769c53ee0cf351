package core

// transform.go turns the raw grid into treated rows.
//
// Sheet convention: row 0 is the header; column 0 carries a month marker at
// the start of each month block, column 1 a metric label, and columns 2..n
// one instrument ("ação") each, up to a literal "@" sentinel column. Rows
// between two month markers form that month's block.

import (
	"sort"
	"strings"
	"time"
)

// Metric identifies one of the tracked per-instrument fields.
type Metric int

const (
	MetricValorBase Metric = iota
	MetricInvestimento
	MetricResgate
	MetricRecebimentoProventos
	MetricValorFinalMes
	MetricRentabilidadeMes
	MetricNaoMexer
	MetricAtivoPL
)

// metricByLabel maps normalized sheet labels to metrics. The duplicate
// "rebecimento" entry covers a long-standing misspelling in the source
// sheet; both spellings must keep resolving.
var metricByLabel = buildMetricTable()

func buildMetricTable() map[string]Metric {
	labels := map[string]Metric{
		"Valor em 31/12/2024":           MetricValorBase,
		"Valor-base":                    MetricValorBase,
		"Investimento (+)":              MetricInvestimento,
		"Resgate (-)":                   MetricResgate,
		"Recebimento de proventos (-)":  MetricRecebimentoProventos,
		"Rebecimento de proventos (-)":  MetricRecebimentoProventos,
		"Valor final no mês":            MetricValorFinalMes,
		"Rentabilidade (ao mês)":        MetricRentabilidadeMes,
		"Não mexer":                     MetricNaoMexer,
		"Ativo/PL":                      MetricAtivoPL,
	}
	table := make(map[string]Metric, len(labels))
	for label, m := range labels {
		table[NormalizeLabel(label)] = m
	}
	return table
}

// TreatedRow is one normalized (month, instrument) record. Nil metric
// fields become SQL NULLs. Periodo is set only on the first instrument of
// each month and serves as the dashboard's period marker.
type TreatedRow struct {
	Mes                  string   `json:"mes"`
	Acao                 string   `json:"acao"`
	Periodo              *string  `json:"periodo"`
	ValorBase            *float64 `json:"valor_base"`
	Investimento         *float64 `json:"investimento"`
	Resgate              *float64 `json:"resgate"`
	RecebimentoProventos *float64 `json:"recebimento_proventos"`
	ValorFinalMes        *float64 `json:"valor_final_mes"`
	RentabilidadeMes     *float64 `json:"rentabilidade_mes"`
	NaoMexer             *float64 `json:"nao_mexer"`
	AtivoPL              *float64 `json:"ativo_pl"`
}

func (r *TreatedRow) setMetric(m Metric, v *float64) {
	switch m {
	case MetricValorBase:
		r.ValorBase = v
	case MetricInvestimento:
		r.Investimento = v
	case MetricResgate:
		r.Resgate = v
	case MetricRecebimentoProventos:
		r.RecebimentoProventos = v
	case MetricValorFinalMes:
		r.ValorFinalMes = v
	case MetricRentabilidadeMes:
		r.RentabilidadeMes = v
	case MetricNaoMexer:
		r.NaoMexer = v
	case MetricAtivoPL:
		r.AtivoPL = v
	}
}

// instrumentColumn ties an instrument name to its grid column.
type instrumentColumn struct {
	index int
	acao  string
}

// instrumentColumns scans the header from column 2 until the "@" sentinel
// or end of row. Empty and non-text header cells are skipped without
// stopping the scan; names keep their column order.
func instrumentColumns(header []Cell) []instrumentColumn {
	var cols []instrumentColumn
	for i := 2; i < len(header); i++ {
		c := header[i]
		if c.Kind != CellText {
			continue
		}
		name := collapseSpace(c.Text)
		if name == "" {
			continue
		}
		if name == "@" {
			break
		}
		cols = append(cols, instrumentColumn{index: i, acao: name})
	}
	return cols
}

// block is one month's contiguous run of rows.
type block struct {
	month time.Time
	lines [][]Cell
}

// partitionBlocks folds rows 1..n into month blocks. A row whose column-0
// cell parses as a month opens a new block; rows before the first marker
// are dropped.
func partitionBlocks(rows [][]Cell) []block {
	var blocks []block
	open := -1
	for _, row := range rows {
		if len(row) > 0 {
			if month, ok := ParseMonth(row[0]); ok {
				blocks = append(blocks, block{month: month})
				open = len(blocks) - 1
			}
		}
		if open >= 0 {
			blocks[open].lines = append(blocks[open].lines, row)
		}
	}
	return blocks
}

// Transform normalizes a raw grid into one TreatedRow per (month,
// instrument), in block order then instrument-column order. Blocks for
// future months and blocks where no instrument has a non-zero final value
// are dropped entirely. Deterministic for a given grid and wall clock.
func Transform(grid [][]Cell) []TreatedRow {
	return transformAt(grid, time.Now().UTC())
}

func transformAt(grid [][]Cell, now time.Time) []TreatedRow {
	if len(grid) < 2 {
		return nil
	}
	instruments := instrumentColumns(grid[0])
	if len(instruments) == 0 {
		return nil
	}

	currentMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var out []TreatedRow

	for _, blk := range partitionBlocks(grid[1:]) {
		if blk.month.After(currentMonth) {
			continue
		}

		rows := make([]TreatedRow, len(instruments))
		for i, inst := range instruments {
			rows[i] = TreatedRow{Mes: ISODate(blk.month), Acao: inst.acao}
		}

		for _, line := range blk.lines {
			if len(line) < 2 || line[1].Kind != CellText {
				continue
			}
			metric, ok := metricByLabel[NormalizeLabel(line[1].Text)]
			if !ok {
				continue
			}
			for i, inst := range instruments {
				rows[i].setMetric(metric, ParseNumber(cellAt(line, inst.index)))
			}
		}

		if !monthStarted(rows) {
			continue
		}

		periodo := ISODate(blk.month.AddDate(0, 0, 1))
		rows[0].Periodo = &periodo
		out = append(out, rows...)
	}

	return out
}

// monthStarted reports whether any instrument closed the month with a
// non-null, non-zero final value. Pre-inception months fail this check and
// are excluded from publishing.
func monthStarted(rows []TreatedRow) bool {
	for _, r := range rows {
		if r.ValorFinalMes != nil && *r.ValorFinalMes != 0 {
			return true
		}
	}
	return false
}

// PublishedMonths returns the distinct mes values of a treated row set in
// ascending order, the shape the apply RPC expects.
func PublishedMonths(rows []TreatedRow) []string {
	seen := make(map[string]struct{}, len(rows))
	var months []string
	for _, r := range rows {
		if _, ok := seen[r.Mes]; ok {
			continue
		}
		seen[r.Mes] = struct{}{}
		months = append(months, r.Mes)
	}
	sort.Strings(months)
	return months
}

func cellAt(row []Cell, i int) Cell {
	if i < 0 || i >= len(row) {
		return Cell{}
	}
	return row[i]
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
