// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package report renders the reading history and its energy total as
// downloadable spreadsheet and PDF documents.
package report

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/soothill/tuya-energy-logger/monitoring"
	"github.com/xuri/excelize/v2"
)

// MaxPDFRows bounds the readings table in a PDF; the most recent rows are kept.
const MaxPDFRows = 500

// maxSheetRows leaves room for the header row within Excel's row limit
const maxSheetRows = 1048575

const (
	timeLayout = "2006-01-02 15:04:05"
	dayLayout  = "2006-01-02"
)

// Report is the input to both renderers
type Report struct {
	DeviceID  string
	From      time.Time // zero for an open range
	To        time.Time
	Generated time.Time
	History   []monitoring.Reading
	Energy    monitoring.EnergyResult
}

// DailyEnergy is the energy of the intervals that start on one local day
type DailyEnergy struct {
	Day time.Time
	KWh float64
}

// Daily splits the history's energy by the local day each interval starts on.
func Daily(history []monitoring.Reading) []DailyEnergy {
	totals := make(map[string]*DailyEnergy)
	for i := 1; i < len(history); i++ {
		prev := history[i-1]
		kwh := monitoring.ComputeEnergyKWh(history[i-1 : i+1])
		key := prev.Timestamp.Format(dayLayout)
		entry, ok := totals[key]
		if !ok {
			y, m, d := prev.Timestamp.Date()
			entry = &DailyEnergy{Day: time.Date(y, m, d, 0, 0, 0, 0, prev.Timestamp.Location())}
			totals[key] = entry
		}
		entry.KWh += kwh
	}

	days := make([]DailyEnergy, 0, len(totals))
	for _, entry := range totals {
		entry.KWh = monitoring.RoundKWh(entry.KWh)
		days = append(days, *entry)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Day.Before(days[j].Day) })
	return days
}

func (r Report) rangeLabel() string {
	from, to := "start of log", "end of log"
	if !r.From.IsZero() {
		from = r.From.Format(time.RFC3339)
	}
	if !r.To.IsZero() {
		to = r.To.Format(time.RFC3339)
	}
	return from + " to " + to
}

func boolLabel(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// BuildXLSX renders a workbook with summary, daily and readings sheets.
func BuildXLSX(r Report) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	summarySheet := "summary"
	dailySheet := "daily"
	readingsSheet := "readings"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(dailySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(readingsSheet); err != nil {
		return nil, err
	}

	summary := [][2]interface{}{
		{"Smart Plug Energy Report", ""},
		{"Device", r.DeviceID},
		{"Range", r.rangeLabel()},
		{"Generated", r.Generated.Format(time.RFC3339)},
		{"Samples", len(r.History)},
		{"Intervals", r.Energy.Intervals},
		{"Skipped intervals", r.Energy.SkippedIntervals},
		{"Total Energy (kWh)", monitoring.RoundKWh(r.Energy.KWh)},
	}
	for i, row := range summary {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+1), row[0])
		if row[1] != "" {
			_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+1), row[1])
		}
	}

	_ = f.SetCellValue(dailySheet, "A1", "Day")
	_ = f.SetCellValue(dailySheet, "B1", "Energy (kWh)")
	for i, day := range Daily(r.History) {
		row := i + 2
		_ = f.SetCellValue(dailySheet, fmt.Sprintf("A%d", row), day.Day.Format(dayLayout))
		_ = f.SetCellValue(dailySheet, fmt.Sprintf("B%d", row), day.KWh)
	}

	if err := writeReadingsSheet(f, readingsSheet, r.History); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeReadingsSheet streams one row per reading
func writeReadingsSheet(f *excelize.File, sheet string, history []monitoring.Reading) error {
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return err
	}
	header := []interface{}{"Timestamp", "Connected", "Power On", "Current (A)", "Voltage (V)", "Power (W)"}
	if err := sw.SetRow("A1", header); err != nil {
		return err
	}

	rows := history
	if len(rows) > maxSheetRows {
		rows = rows[len(rows)-maxSheetRows:]
	}
	for i, reading := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			reading.Timestamp.Format(timeLayout),
			reading.Connected,
			reading.PowerOn,
			reading.Current,
			reading.Voltage,
			reading.Watt,
		}
		if err := sw.SetRow(cell, row); err != nil {
			return err
		}
	}
	return sw.Flush()
}

// BuildPDF renders a summary page followed by a readings table.
func BuildPDF(r Report) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Smart Plug Energy Report")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Device: %s", r.DeviceID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Range: %s", r.rangeLabel()))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", r.Generated.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Samples: %d", len(r.History)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Total Energy (kWh): %.4f", monitoring.RoundKWh(r.Energy.KWh)))
	pdf.Ln(8)

	if days := Daily(r.History); len(days) > 0 {
		pdf.SetFont("Arial", "B", 10)
		pdf.CellFormat(40, 6, "Day", "1", 0, "C", false, 0, "")
		pdf.CellFormat(40, 6, "Energy (kWh)", "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
		pdf.SetFont("Arial", "", 10)
		for _, day := range days {
			pdf.CellFormat(40, 6, day.Day.Format(dayLayout), "1", 0, "C", false, 0, "")
			pdf.CellFormat(40, 6, fmt.Sprintf("%.4f", day.KWh), "1", 0, "R", false, 0, "")
			pdf.Ln(-1)
		}
		pdf.Ln(6)
	}

	rows := r.History
	if len(rows) > MaxPDFRows {
		rows = rows[len(rows)-MaxPDFRows:]
		pdf.Cell(0, 6, fmt.Sprintf("Showing the latest %d of %d readings.", MaxPDFRows, len(r.History)))
		pdf.Ln(6)
	}

	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(45, 6, "Timestamp", "1", 0, "C", false, 0, "")
	pdf.CellFormat(22, 6, "Connected", "1", 0, "C", false, 0, "")
	pdf.CellFormat(22, 6, "Power On", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Current (A)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Voltage (V)", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Power (W)", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, reading := range rows {
		pdf.CellFormat(45, 6, reading.Timestamp.Format(timeLayout), "1", 0, "C", false, 0, "")
		pdf.CellFormat(22, 6, boolLabel(reading.Connected), "1", 0, "C", false, 0, "")
		pdf.CellFormat(22, 6, boolLabel(reading.PowerOn), "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.3f", reading.Current), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.1f", reading.Voltage), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.1f", reading.Watt), "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
