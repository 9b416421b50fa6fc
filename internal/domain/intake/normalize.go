package intake

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caremesh/caremesh/internal/domain/patient"
)

// Intake platforms disagree on field naming, so each canonical field has an
// ordered list of candidate keys tried in priority order. The table makes
// the fallback order testable on its own.
var fieldRules = []struct {
	field string
	keys  []string
}{
	{"submissionId", []string{"submission_id", "submissionId", "entry_id", "entryId", "response_id", "id"}},
	{"firstName", []string{"first_name", "firstName", "fname", "given_name", "first"}},
	{"lastName", []string{"last_name", "lastName", "lname", "family_name", "surname", "last"}},
	{"fullName", []string{"name", "full_name", "fullName", "patient_name"}},
	{"email", []string{"email", "email_address", "emailAddress", "contact_email"}},
	{"phone", []string{"phone", "phone_number", "phoneNumber", "mobile", "cell", "contact_phone"}},
	{"dob", []string{"dob", "date_of_birth", "dateOfBirth", "birthdate", "birth_date"}},
	{"gender", []string{"gender", "sex", "biological_sex", "gender_identity"}},
	{"submissionType", []string{"submission_type", "submissionType", "status", "form_status"}},
	{"qualified", []string{"qualified", "qualified_status", "qualifiedStatus", "is_qualified"}},
}

// dateLayouts are tried in order: ISO, slash, compact.
var dateLayouts = []string{"2006-01-02", "01/02/2006", "01022006"}

// Normalize maps an arbitrary inbound JSON payload to the canonical form.
// It never fails on missing fields; every demographic field has a
// deterministic fallback so the upsert engine is never blocked by degraded
// upstream data. A payload that cannot even be parsed as a JSON object
// returns an error; the caller substitutes Fallback.
func Normalize(raw []byte, receivedAt time.Time) (*Normalized, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}

	answers := extractAnswers(payload)
	fields := extractFields(payload, answers)

	first, last := resolveName(fields)

	n := &Normalized{
		SubmissionID:   fields["submissionId"],
		SubmissionType: resolveSubmissionType(fields["submissionType"]),
		Qualified:      isAffirmative(fields["qualified"]),
		Patient: patient.Draft{
			FirstName: first,
			LastName:  last,
			DOB:       normalizeDate(fields["dob"]),
			Email:     normalizeEmail(fields["email"], receivedAt),
			Phone:     normalizePhone(fields["phone"]),
			Gender:    NormalizeGender(fields["gender"]),
		},
		Tags:       extractTags(payload),
		Answers:    answers,
		Consent:    extractConsent(payload),
		ReceivedAt: receivedAt,
	}

	if n.SubmissionID == "" {
		// No natural key upstream; synthesize one so the document row still
		// has a unique anchor. Redelivery dedup is lost for such payloads.
		n.SubmissionID = "gen-" + uuid.NewString()
	}

	if n.SubmissionType == patient.LeadPartial {
		n.Tags = append(n.Tags, "partial-lead", "needs-followup")
	}

	n.Patient.SourceMeta = map[string]any{
		"source":       "weightloss-intake",
		"submissionId": n.SubmissionID,
		"receivedAt":   receivedAt.UTC().Format(time.RFC3339),
	}

	return n, nil
}

// Fallback builds the fully-synthetic record used when normalization itself
// fails. The webhook must still produce a patient and a 200 so the sender
// does not retry into a poison loop.
func Fallback(receivedAt time.Time) *Normalized {
	return &Normalized{
		SubmissionID:   "gen-" + uuid.NewString(),
		SubmissionType: patient.LeadPartial,
		Patient: patient.Draft{
			FirstName: "Unknown",
			LastName:  "Lead",
			DOB:       patient.SentinelDOB,
			Email:     patient.SentinelEmail(receivedAt),
			Phone:     patient.SentinelPhone,
			Gender:    "male",
			SourceMeta: map[string]any{
				"source":   "weightloss-intake",
				"degraded": true,
			},
		},
		Tags:       []string{"partial-lead", "needs-followup", "malformed-intake"},
		ReceivedAt: receivedAt,
	}
}

// extractFields resolves each canonical field from the payload's top level
// first, then from answer labels.
func extractFields(payload map[string]any, answers []Answer) map[string]string {
	fields := make(map[string]string, len(fieldRules))
	for _, rule := range fieldRules {
		for _, key := range rule.keys {
			if v, ok := stringValue(payload[key]); ok && v != "" {
				fields[rule.field] = v
				break
			}
		}
		if fields[rule.field] != "" {
			continue
		}
		for _, key := range rule.keys {
			if v := answerByLabel(answers, key); v != "" {
				fields[rule.field] = v
				break
			}
		}
	}
	return fields
}

func answerByLabel(answers []Answer, key string) string {
	want := canonicalLabel(key)
	for _, a := range answers {
		if canonicalLabel(a.Label) == want {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

func canonicalLabel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "_")
	return strings.ReplaceAll(s, "-", "_")
}

// extractAnswers reads the ordered answer list from the shapes upstream
// platforms use: a top-level "answers" array or a nested "data.fields" array.
func extractAnswers(payload map[string]any) []Answer {
	raw, ok := payload["answers"].([]any)
	if !ok {
		if data, dok := payload["data"].(map[string]any); dok {
			raw, _ = data["fields"].([]any)
		}
	}

	var answers []Answer
	for _, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		label, _ := stringValue(firstOf(entry, "label", "question", "title", "key"))
		value, _ := stringValue(firstOf(entry, "value", "answer", "response"))
		if label == "" && value == "" {
			continue
		}
		answers = append(answers, Answer{Label: label, Value: value})
	}
	return answers
}

func extractTags(payload map[string]any) []string {
	raw, ok := payload["tags"].([]any)
	if !ok {
		return nil
	}
	var tags []string
	for _, t := range raw {
		if s, ok := stringValue(t); ok && s != "" {
			tags = append(tags, s)
		}
	}
	return tags
}

// extractConsent collects the consent and geolocation metadata blocks when
// present.
func extractConsent(payload map[string]any) map[string]any {
	consent := map[string]any{}
	for _, key := range []string{"consent", "consents", "geolocation", "geo", "ip_address", "user_agent"} {
		if v, ok := payload[key]; ok {
			consent[key] = v
		}
	}
	if len(consent) == 0 {
		return nil
	}
	return consent
}

func resolveName(fields map[string]string) (first, last string) {
	first = fields["firstName"]
	last = fields["lastName"]
	if first == "" && last == "" && fields["fullName"] != "" {
		parts := strings.Fields(fields["fullName"])
		if len(parts) > 0 {
			first = parts[0]
		}
		if len(parts) > 1 {
			last = strings.Join(parts[1:], " ")
		}
	}
	if first == "" {
		first = "Unknown"
	}
	if last == "" {
		last = "Lead"
	}
	return first, last
}

func resolveSubmissionType(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "complete", "completed", "submitted", "finished":
		return patient.LeadComplete
	default:
		return patient.LeadPartial
	}
}

func isAffirmative(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "yes", "1", "qualified":
		return true
	}
	return false
}

func normalizeEmail(raw string, receivedAt time.Time) string {
	raw = strings.TrimSpace(raw)
	at := strings.Index(raw, "@")
	if at < 1 || at == len(raw)-1 || !strings.Contains(raw[at:], ".") {
		return patient.SentinelEmail(receivedAt)
	}
	return strings.ToLower(raw)
}

// normalizePhone keeps digits only. Anything shorter than ten digits
// collapses to the all-zeros sentinel.
func normalizePhone(raw string) string {
	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	// Strip a US country-code prefix.
	if len(d) == 11 && d[0] == '1' {
		d = d[1:]
	}
	if len(d) != 10 {
		return patient.SentinelPhone
	}
	return d
}

// normalizeDate tries the accepted layouts in order and falls back to the
// epoch-like sentinel.
func normalizeDate(raw string) string {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return patient.SentinelDOB
}

// NormalizeGender collapses free-text gender tokens to the two values the
// pharmacy network accepts. Unrecognized tokens default to male; a leading
// "f" or "w" (female, woman) maps to female. The intake path tolerates
// ambiguity so a lead is never dropped; the prescription path rejects it.
func NormalizeGender(raw string) string {
	token := strings.ToLower(strings.TrimSpace(raw))
	if strings.HasPrefix(token, "f") || strings.HasPrefix(token, "w") {
		return "female"
	}
	return "male"
}

func stringValue(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t)), true
		}
		return fmt.Sprintf("%v", t), true
	case bool:
		return fmt.Sprintf("%t", t), true
	default:
		return "", false
	}
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}
