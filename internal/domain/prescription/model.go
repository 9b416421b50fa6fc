package prescription

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Order states. pending transitions to exactly one of the other three;
// queued_for_provider is terminal and skips the external call entirely.
const (
	StatusPending           = "pending"
	StatusSent              = "sent"
	StatusError             = "error"
	StatusQueuedForProvider = "queued_for_provider"
)

// Machine-readable error codes on rejection and failure responses.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeVialSafeguard      = "VIAL_QUANTITY_SAFEGUARD"
	CodeMissingPatientInfo = "MISSING_PATIENT_INFO"
	CodeInvalidGender      = "INVALID_PHARMACY_GENDER"
	CodeSubmissionFailed   = "LIFEFILE_SUBMISSION_FAILED"
	CodeQueueNotAllowed    = "QUEUE_NOT_ALLOWED"
	CodeProviderNotEntitled = "PROVIDER_NOT_ENTITLED"
	CodeClinicAccessDenied  = "CLINIC_ACCESS_DENIED"
)

type Order struct {
	ID              uuid.UUID       `json:"id"`
	ClinicID        uuid.UUID       `json:"clinicId"`
	ProviderID      uuid.UUID       `json:"providerId"`
	PatientID       uuid.UUID       `json:"patientId"`
	MessageID       string          `json:"messageId"`
	Status          string          `json:"status"`
	PharmacyOrderID string          `json:"pharmacyOrderId,omitempty"`
	RequestJSON     json.RawMessage `json:"requestJson,omitempty"`
	ResponseJSON    json.RawMessage `json:"responseJson,omitempty"`
	ErrorReason     string          `json:"errorReason,omitempty"`
	Rx              []*Rx           `json:"rx,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

type Rx struct {
	ID           uuid.UUID `json:"id"`
	OrderID      uuid.UUID `json:"orderId"`
	DrugName     string    `json:"drugName"`
	DrugClass    string    `json:"drugClass,omitempty"`
	Strength     string    `json:"strength,omitempty"`
	Quantity     int       `json:"quantity"`
	DaysSupply   int       `json:"daysSupply,omitempty"`
	Refills      int       `json:"refills"`
	Instructions string    `json:"instructions,omitempty"`
}

// SubmitRequest is the prescription submission DTO.
type SubmitRequest struct {
	ClinicID   string `json:"clinicId" validate:"required,uuid"`
	ProviderID string `json:"providerId" validate:"required,uuid"`
	// MessageID is the idempotency key; generated when absent.
	MessageID string `json:"messageId"`
	// QueueForProvider defers the order for provider review instead of
	// submitting it. Admin-originated requests only.
	QueueForProvider bool `json:"queueForProvider"`
	// OverrideVialSafeguard bypasses the one-month vial cap.
	OverrideVialSafeguard bool `json:"overrideVialSafeguard"`
	// PlanDurationMonths, when set, is authoritative for plan detection.
	PlanDurationMonths int `json:"planDurationMonths" validate:"omitempty,min=1,max=24"`

	Patient PatientInput `json:"patient" validate:"required"`
	Rx      []RxInput    `json:"rx" validate:"required,min=1,dive"`
}

type PatientInput struct {
	PatientID string `json:"patientId" validate:"omitempty,uuid"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	DOB       string `json:"dob"`
	Gender    string `json:"gender"`
	Email     string `json:"email" validate:"omitempty,email"`
	Phone     string `json:"phone"`
}

type RxInput struct {
	DrugName     string `json:"drugName" validate:"required"`
	DrugClass    string `json:"drugClass"`
	Strength     string `json:"strength"`
	Quantity     int    `json:"quantity" validate:"required,min=1"`
	DaysSupply   int    `json:"daysSupply" validate:"omitempty,min=1"`
	Refills      int    `json:"refills" validate:"min=0"`
	Instructions string `json:"instructions"`
}

// glp1Drugs are name substrings recognized as GLP-1 class when the request
// does not label the class explicitly.
var glp1Drugs = []string{"semaglutide", "tirzepatide", "liraglutide", "ozempic", "wegovy", "mounjaro", "zepbound", "saxenda"}

// IsGLP1 reports whether an rx entry is a GLP-1 class medication, by the
// declared class first and the drug name second.
func (r RxInput) IsGLP1() bool {
	class := strings.ToLower(strings.ReplaceAll(r.DrugClass, "-", ""))
	if class == "glp1" {
		return true
	}
	name := strings.ToLower(r.DrugName)
	for _, d := range glp1Drugs {
		if strings.Contains(name, d) {
			return true
		}
	}
	return false
}
