// Package soapnote is the client for the derived clinical-note generator.
// The upstream service is rate limited, so callers never retry a failed
// generation; the failure is surfaced as a warning on the intake response.
package soapnote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Generator produces a SOAP note from a patient's intake document.
type Generator interface {
	Generate(ctx context.Context, patientID, documentID uuid.UUID) (string, error)
}

type HTTPGenerator struct {
	baseURL string
	http    *http.Client
}

func NewHTTPGenerator(baseURL string, timeout time.Duration) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGenerator) Generate(ctx context.Context, patientID, documentID uuid.UUID) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"patientId":  patientID.String(),
		"documentId": documentID.String(),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/soap-notes", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build note request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate note for document %s: %w", documentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("note generator rate limited for document %s", documentID)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("note generator returned status %d for document %s", resp.StatusCode, documentID)
	}

	var out struct {
		NoteID string `json:"noteId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode note response: %w", err)
	}
	return out.NoteID, nil
}
