package certificate

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
)

// PDFRenderer renders the certificate as a single dark A4 page. The PDF
// creation and modification dates are pinned to the session's completion
// time so that identical fields yield byte-identical documents.
type PDFRenderer struct{}

func NewPDFRenderer() *PDFRenderer { return &PDFRenderer{} }

func (r *PDFRenderer) Render(fields Fields) ([]byte, error) {
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetCatalogSort(true)
	doc.SetCreationDate(fields.Date)
	doc.SetModificationDate(fields.Date)
	doc.SetTitle(fields.Title, true)
	doc.SetAutoPageBreak(true, 18)
	doc.SetMargins(18, 18, 18)
	doc.AddPage()

	translate := doc.UnicodeTranslatorFromDescriptor("")
	pageWidth, pageHeight := doc.GetPageSize()

	doc.SetFillColor(20, 23, 28)
	doc.Rect(0, 0, pageWidth, pageHeight, "F")

	doc.SetTextColor(245, 246, 247)
	doc.SetFont("Helvetica", "B", 24)
	doc.CellFormat(0, 12, translate(fields.Title), "", 1, "L", false, 0, "")
	doc.Ln(2)

	subtitle := fmt.Sprintf("%s  |  %s  |  %s  |  Intent: %s  |  Mantra: \"%s\"",
		fields.GuideLabel,
		fields.Date.Format("January 2, 2006"),
		formatDuration(fields.Duration),
		orDash(fields.Intent),
		orDash(fields.Mantra))
	doc.SetFont("Helvetica", "", 11)
	doc.MultiCell(0, 6, translate(subtitle), "", "L", false)

	doc.SetDrawColor(120, 126, 135)
	doc.SetLineWidth(0.4)
	x, y := doc.GetX(), doc.GetY()+2
	doc.Line(x, y, pageWidth-18, y)
	doc.SetY(y + 4)

	doc.SetFont("Helvetica", "B", 13)
	doc.CellFormat(0, 8, translate("Awarded to "+fields.Name), "", 1, "L", false, 0, "")
	doc.Ln(1)

	doc.SetFont("Helvetica", "B", 12)
	doc.CellFormat(0, 7, "Phases completed", "", 1, "L", false, 0, "")
	doc.SetFont("Helvetica", "", 11)
	for i, title := range fields.PhaseTitles {
		doc.CellFormat(0, 6, translate(fmt.Sprintf("%d. %s", i+1, title)), "", 1, "L", false, 0, "")
	}
	doc.Ln(2)

	if len(fields.Checkins) > 0 {
		doc.SetFont("Helvetica", "B", 12)
		doc.CellFormat(0, 7, "Check-ins", "", 1, "L", false, 0, "")
		doc.SetFont("Helvetica", "", 11)
		for _, c := range fields.Checkins {
			doc.MultiCell(0, 6, translate(fmt.Sprintf("%s: %s", c.PhaseTitle, c.Text)), "", "L", false)
		}
		doc.Ln(2)
	}

	if fields.Note != "" {
		doc.SetFont("Helvetica", "I", 11)
		doc.MultiCell(0, 6, translate(fields.Note), "", "L", false)
		doc.Ln(2)
	}

	doc.SetFont("Helvetica", "I", 11)
	doc.CellFormat(0, 6, translate(fields.GuideLabel), "", 1, "L", false, 0, "")

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatDuration(d time.Duration) string {
	minutes := int(d.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("%d min", minutes)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
