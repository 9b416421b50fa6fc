// Package docgen renders intake submissions into a PDF summary for the
// patient chart. Rendering is a soft step in the intake pipeline; a failure
// here produces a warning, never a failed ingestion.
package docgen

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Summary is the renderer's input: a flattened view of one submission.
type Summary struct {
	Title       string
	PatientName string
	SubmittedAt time.Time
	Fields      []Field
}

type Field struct {
	Label string
	Value string
}

// Renderer turns a Summary into document bytes.
type Renderer interface {
	Render(s *Summary) ([]byte, error)
}

// PDFRenderer emits a minimal single-page PDF with the summary as text.
type PDFRenderer struct{}

func NewPDFRenderer() *PDFRenderer {
	return &PDFRenderer{}
}

func (r *PDFRenderer) Render(s *Summary) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("nil summary")
	}

	var text strings.Builder
	fmt.Fprintf(&text, "BT /F1 12 Tf 50 780 Td (%s) Tj ET\n", escapePDF(s.Title))
	fmt.Fprintf(&text, "BT /F1 10 Tf 50 760 Td (Patient: %s) Tj ET\n", escapePDF(s.PatientName))
	fmt.Fprintf(&text, "BT /F1 10 Tf 50 745 Td (Submitted: %s) Tj ET\n", s.SubmittedAt.UTC().Format(time.RFC3339))

	y := 725
	for _, f := range s.Fields {
		if y < 50 {
			break
		}
		fmt.Fprintf(&text, "BT /F1 9 Tf 50 %d Td (%s: %s) Tj ET\n", y, escapePDF(f.Label), escapePDF(f.Value))
		y -= 14
	}

	return assemblePDF(text.String()), nil
}

func escapePDF(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`, "\n", " ", "\r", " ")
	return replacer.Replace(s)
}

// assemblePDF wraps a content stream in the fixed object scaffolding of a
// one-page PDF document.
func assemblePDF(content string) []byte {
	var buf bytes.Buffer
	var offsets []int

	write := func(s string) {
		buf.WriteString(s)
	}
	object := func(body string) {
		offsets = append(offsets, buf.Len())
		write(body)
	}

	write("%PDF-1.4\n")
	object("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	object("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj\n")
	object("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>\nendobj\n")
	object(fmt.Sprintf("4 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj\n", len(content), content))
	object("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj\n")

	xrefStart := buf.Len()
	write(fmt.Sprintf("xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1))
	for _, off := range offsets {
		write(fmt.Sprintf("%010d 00000 n \n", off))
	}
	write(fmt.Sprintf("trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xrefStart))

	return buf.Bytes()
}
