package reports

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/jung-kurt/gofpdf"

	"github.com/tritrack/compliance/internal/models"
)

type PDFReport struct {
	pdf   *gofpdf.Fpdf
	title string
}

func NewPDFReport(title string, generatedAt time.Time) *PDFReport {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 20)

	r := &PDFReport{
		pdf:   pdf,
		title: title,
	}

	r.addHeader(generatedAt)
	return r
}

func (r *PDFReport) addHeader(generatedAt time.Time) {
	r.pdf.AddPage()

	r.pdf.SetFont("Arial", "B", 20)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(0, 15, r.title, "", 1, "C", false, 0, "")

	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(108, 117, 125)
	r.pdf.CellFormat(0, 8, fmt.Sprintf("Generated: %s UTC", generatedAt.UTC().Format("January 2, 2006 15:04")), "", 1, "C", false, 0, "")

	r.pdf.Ln(10)
}

func (r *PDFReport) AddSection(title string) {
	r.pdf.SetFont("Arial", "B", 14)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.SetFillColor(240, 240, 240)
	r.pdf.CellFormat(0, 10, title, "", 1, "L", true, 0, "")
	r.pdf.Ln(5)
}

func (r *PDFReport) AddParagraph(text string) {
	r.pdf.SetFont("Arial", "", 10)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.MultiCell(0, 6, text, "", "L", false)
	r.pdf.Ln(5)
}

func (r *PDFReport) AddTable(headers []string, rows [][]string) {
	pageWidth := 180.0 // A4 width minus margins
	colWidth := pageWidth / float64(len(headers))

	r.pdf.SetFont("Arial", "B", 9)
	r.pdf.SetFillColor(52, 58, 64)
	r.pdf.SetTextColor(255, 255, 255)
	for _, h := range headers {
		r.pdf.CellFormat(colWidth, 8, h, "1", 0, "C", true, 0, "")
	}
	r.pdf.Ln(-1)

	r.pdf.SetFont("Arial", "", 9)
	r.pdf.SetTextColor(33, 37, 41)
	fill := false
	for _, row := range rows {
		if fill {
			r.pdf.SetFillColor(248, 249, 250)
		} else {
			r.pdf.SetFillColor(255, 255, 255)
		}
		for _, cell := range row {
			r.pdf.CellFormat(colWidth, 7, truncate(cell, 25), "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
		fill = !fill
	}

	r.pdf.Ln(5)
}

// AddSummaryTable prints label/value pairs in label order.
func (r *PDFReport) AddSummaryTable(data map[string]string) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	r.pdf.SetFont("Arial", "", 10)
	for _, key := range keys {
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(70, 7, key+":", "", 0, "L", false, 0, "")

		r.pdf.SetFont("Arial", "B", 10)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 7, data[key], "", 1, "L", false, 0, "")
		r.pdf.SetFont("Arial", "", 10)
	}

	r.pdf.Ln(5)
}

func (r *PDFReport) AddChart(title string, data map[string]int) {
	if title != "" {
		r.pdf.SetFont("Arial", "B", 11)
		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	}

	labels := make([]string, 0, len(data))
	max := 0
	for label, v := range data {
		labels = append(labels, label)
		if v > max {
			max = v
		}
	}
	sort.Strings(labels)

	if max == 0 {
		max = 1
	}

	barMaxWidth := 100.0

	for _, label := range labels {
		value := data[label]
		r.pdf.SetFont("Arial", "", 9)
		r.pdf.SetTextColor(108, 117, 125)
		r.pdf.CellFormat(40, 6, label, "", 0, "L", false, 0, "")

		barWidth := float64(value) / float64(max) * barMaxWidth
		r.pdf.SetFillColor(66, 133, 244) // Blue
		r.pdf.CellFormat(barWidth, 6, "", "", 0, "L", true, 0, "")

		r.pdf.SetTextColor(33, 37, 41)
		r.pdf.CellFormat(30, 6, fmt.Sprintf(" %d", value), "", 1, "L", false, 0, "")
	}

	r.pdf.Ln(5)
}

// AddStatusBar draws a horizontal bar for a percentage, green at 80 and
// above, yellow from 50, red below.
func (r *PDFReport) AddStatusBar(label string, pct float64) {
	r.pdf.SetFont("Arial", "B", 11)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(50, 8, label, "", 0, "L", false, 0, "")

	switch {
	case pct >= 80:
		r.pdf.SetFillColor(40, 167, 69)
	case pct >= 50:
		r.pdf.SetFillColor(255, 193, 7)
	default:
		r.pdf.SetFillColor(220, 53, 69)
	}
	if pct > 0 {
		r.pdf.CellFormat(pct*0.8, 8, "", "", 0, "L", true, 0, "")
	}
	r.pdf.CellFormat(0, 8, fmt.Sprintf(" %.1f%%", pct), "", 1, "L", false, 0, "")
	r.pdf.Ln(3)
}

func severityColor(s models.Severity) (int, int, int) {
	switch s {
	case models.SeverityCritical:
		return 220, 53, 69
	case models.SeverityHigh:
		return 253, 126, 20
	case models.SeverityMedium:
		return 255, 193, 7
	case models.SeverityLow:
		return 40, 167, 69
	}
	return 108, 117, 125
}

// AddSeverityRow prints a colored severity cell followed by text.
func (r *PDFReport) AddSeverityRow(severity models.Severity, text string) {
	red, green, blue := severityColor(severity)

	r.pdf.SetFillColor(red, green, blue)
	r.pdf.SetFont("Arial", "B", 8)
	r.pdf.SetTextColor(255, 255, 255)
	r.pdf.CellFormat(22, 6, string(severity), "1", 0, "C", true, 0, "")

	r.pdf.SetFont("Arial", "", 9)
	r.pdf.SetTextColor(33, 37, 41)
	r.pdf.CellFormat(0, 6, " "+truncate(text, 90), "", 1, "L", false, 0, "")
}

func (r *PDFReport) addFooter() {
	r.pdf.SetFooterFunc(func() {
		r.pdf.SetY(-15)
		r.pdf.SetFont("Arial", "I", 8)
		r.pdf.SetTextColor(128, 128, 128)
		r.pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", r.pdf.PageNo()), "", 0, "C", false, 0, "")
	})
}

func (r *PDFReport) Output() ([]byte, error) {
	r.addFooter()

	var buf bytes.Buffer
	if err := r.pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}

	return buf.Bytes(), nil
}
