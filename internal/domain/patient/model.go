package patient

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lead qualification states. complete is sticky: a later partial submission
// never downgrades a complete lead.
const (
	LeadPartial  = "partial"
	LeadComplete = "complete"
)

// Sentinel values the normalizer substitutes for missing or unparseable
// demographic fields. The upsert lookup skips sentinel email/phone so a
// degraded record never matches another degraded record by accident.
const (
	SentinelPhone = "0000000000"
	SentinelDOB   = "1900-01-01"
)

// Tags stripped when a partial lead upgrades to complete.
var followupTags = []string{"partial-lead", "needs-followup"}

type Patient struct {
	ID         uuid.UUID      `json:"id"`
	ClinicID   uuid.UUID      `json:"clinicId"`
	DisplayID  string         `json:"displayId"`
	FirstName  string         `json:"firstName"`
	LastName   string         `json:"lastName"`
	DOB        string         `json:"dob"`
	Email      string         `json:"email"`
	Phone      string         `json:"phone"`
	Gender     string         `json:"gender"`
	Tags       []string       `json:"tags"`
	SourceMeta map[string]any `json:"sourceMeta,omitempty"`
	LeadStatus string         `json:"leadStatus"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Note is one append-only entry in a patient's note log. SubmissionID keys
// redelivery dedup: the same submission appends at most one note.
type Note struct {
	ID           uuid.UUID `json:"id"`
	PatientID    uuid.UUID `json:"patientId"`
	SubmissionID string    `json:"submissionId"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"createdAt"`
}

// SentinelEmail synthesizes a unique placeholder address for a submission
// that carried no usable email. The timestamp keeps distinct degraded leads
// from colliding on the lookup key.
func SentinelEmail(at time.Time) string {
	return fmt.Sprintf("unknown+%d@intake.invalid", at.Unix())
}

func IsSentinelEmail(email string) bool {
	return strings.HasPrefix(email, "unknown+") && strings.HasSuffix(email, "@intake.invalid")
}

func IsSentinelPhone(phone string) bool {
	return phone == "" || phone == SentinelPhone
}

// NormalizeTag lowercases and strips a leading hash so "#VIP" and "vip"
// dedup to the same tag.
func NormalizeTag(tag string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
}

// MergeTags unions existing and incoming tags under NormalizeTag equality,
// preserving first-seen order.
func MergeTags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	var merged []string
	for _, t := range existing {
		n := NormalizeTag(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		merged = append(merged, n)
	}
	for _, t := range incoming {
		n := NormalizeTag(t)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		merged = append(merged, n)
	}
	return merged
}

// StripFollowupTags removes the partial-lead bookkeeping tags. Called on the
// partial to complete upgrade.
func StripFollowupTags(tags []string) []string {
	var out []string
	for _, t := range tags {
		n := NormalizeTag(t)
		drop := false
		for _, f := range followupTags {
			if n == f {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, n)
		}
	}
	return out
}
