package docgen

import (
	"bytes"
	"testing"
	"time"
)

func TestPDFRendererProducesValidHeader(t *testing.T) {
	r := NewPDFRenderer()
	out, err := r.Render(&Summary{
		Title:       "Intake Summary",
		PatientName: "Jane Doe",
		SubmittedAt: time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC),
		Fields: []Field{
			{Label: "Email", Value: "jane@example.com"},
			{Label: "Phone", Value: "5551234567"},
		},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF-1.4")) {
		t.Errorf("missing PDF header, got %q", out[:16])
	}
	if !bytes.Contains(out, []byte("Jane Doe")) {
		t.Errorf("patient name missing from output")
	}
	if !bytes.Contains(out, []byte("%%EOF")) {
		t.Errorf("missing EOF marker")
	}
}

func TestPDFRendererEscapesDelimiters(t *testing.T) {
	r := NewPDFRenderer()
	out, err := r.Render(&Summary{
		Title:       "Summary (v2)",
		PatientName: `O\Brien`,
		SubmittedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.Contains(out, []byte(`Summary \(v2\)`)) {
		t.Errorf("parentheses not escaped in content stream")
	}
}

func TestPDFRendererNilSummary(t *testing.T) {
	r := NewPDFRenderer()
	if _, err := r.Render(nil); err == nil {
		t.Fatal("expected error for nil summary")
	}
}
