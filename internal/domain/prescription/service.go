package prescription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/caremesh/caremesh/internal/domain/audit"
	"github.com/caremesh/caremesh/internal/domain/patient"
	"github.com/caremesh/caremesh/internal/platform/auth"
	"github.com/caremesh/caremesh/internal/platform/db"
	"github.com/caremesh/caremesh/internal/platform/pharmacy"
	"github.com/caremesh/caremesh/internal/platform/steps"
)

// RequestError is a rejection the caller can act on: fix the request and
// resubmit. It never leaves partial state behind.
type RequestError struct {
	Status int
	Code   string
	Detail string
}

func (e *RequestError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Detail) }

// SubmissionError is an external pharmacy failure after the local order
// committed. The order row is durable; the remediation is to retry the
// external submission alone.
type SubmissionError struct {
	Order  *Order
	Reason string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("pharmacy submission failed for order %s: %s", e.Order.ID, e.Reason)
}

// errDuplicateMessage signals a lost insert race on (message_id, clinic_id);
// the caller re-fetches the winner.
var errDuplicateMessage = errors.New("duplicate message id")

// Hooks are the soft side effects chained after a successful external
// submission. Each failure is a warning, never an overall failure.
type Hooks interface {
	RecordFee(ctx context.Context, o *Order) error
	AdvanceRefillQueue(ctx context.Context, o *Order) error
	SendPortalInvite(ctx context.Context, o *Order, p *patient.Patient) error
}

// NoopHooks satisfies Hooks with no side effects.
type NoopHooks struct{}

func (NoopHooks) RecordFee(context.Context, *Order) error                          { return nil }
func (NoopHooks) AdvanceRefillQueue(context.Context, *Order) error                 { return nil }
func (NoopHooks) SendPortalInvite(context.Context, *Order, *patient.Patient) error { return nil }

// Result is a completed submission: the durable order plus the external
// outcome and any soft-step warnings.
type Result struct {
	Order    *Order                 `json:"order"`
	IsNew    bool                   `json:"isNew"`
	Pharmacy *pharmacy.SubmitResult `json:"pharmacy,omitempty"`
	Warnings []steps.Warning        `json:"warnings,omitempty"`
}

type Service struct {
	orders   OrderRepository
	patients *patient.Service
	pharmacy pharmacy.Client
	hooks    Hooks
	auditor  *audit.Recorder
	runner   *steps.Runner
	validate *validator.Validate
	log      zerolog.Logger

	// inTx wraps the order transaction; swapped out in tests.
	inTx func(ctx context.Context, fn func(ctx context.Context) error) error
}

func NewService(
	pool *pgxpool.Pool,
	orders OrderRepository,
	patients *patient.Service,
	pharmacyClient pharmacy.Client,
	hooks Hooks,
	auditor *audit.Recorder,
	log zerolog.Logger,
) *Service {
	if hooks == nil {
		hooks = NoopHooks{}
	}
	return &Service{
		orders:   orders,
		patients: patients,
		pharmacy: pharmacyClient,
		hooks:    hooks,
		auditor:  auditor,
		runner:   steps.NewRunner(log),
		validate: validator.New(),
		log:      log,
		inTx: func(ctx context.Context, fn func(ctx context.Context) error) error {
			return db.InTx(ctx, pool, db.DefaultTxRetry, fn)
		},
	}
}

// Submit runs the full prescription pipeline: validate and gate the request,
// write the order atomically, then submit to the pharmacy post-commit.
func (s *Service) Submit(ctx context.Context, actor auth.Actor, req *SubmitRequest) (*Result, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, &RequestError{Status: http.StatusBadRequest, Code: CodeValidation, Detail: err.Error()}
	}

	clinicID := uuid.MustParse(req.ClinicID)
	providerID := uuid.MustParse(req.ProviderID)

	if !actor.MemberOfClinic(clinicID) {
		return nil, &RequestError{Status: http.StatusForbidden, Code: CodeClinicAccessDenied, Detail: "not a member of this clinic"}
	}
	if req.QueueForProvider && !actor.HasRole(auth.RoleAdmin) {
		return nil, &RequestError{Status: http.StatusForbidden, Code: CodeQueueNotAllowed, Detail: "only admins may queue orders for provider review"}
	}

	if req.Patient.PatientID == "" &&
		(req.Patient.FirstName == "" || req.Patient.LastName == "" || req.Patient.DOB == "") {
		return nil, &RequestError{Status: http.StatusUnprocessableEntity, Code: CodeMissingPatientInfo,
			Detail: "patientId or first name, last name, and dob are required"}
	}

	gender, genderOK := pharmacyGender(req.Patient.Gender)
	if req.Patient.Gender != "" && !genderOK {
		return nil, &RequestError{Status: http.StatusUnprocessableEntity, Code: CodeInvalidGender,
			Detail: fmt.Sprintf("gender %q is not accepted by the pharmacy network", req.Patient.Gender)}
	}
	if req.Patient.PatientID == "" && !genderOK {
		return nil, &RequestError{Status: http.StatusUnprocessableEntity, Code: CodeInvalidGender,
			Detail: "gender is required for pharmacy submission"}
	}

	warnings, err := s.vialSafeguard(req)
	if err != nil {
		return nil, err
	}

	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}

	var (
		order *Order
		pat   *patient.Patient
		isNew bool
	)
	txErr := s.inTx(ctx, func(ctx context.Context) error {
		order, pat, isNew = nil, nil, false

		existing, err := s.orders.GetByMessageID(ctx, clinicID, req.MessageID)
		if err == nil {
			order = existing
			return nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return err
		}

		pat, err = s.resolvePatient(ctx, actor, clinicID, req.Patient, gender)
		if err != nil {
			return err
		}

		// Entitlement is checked inside the transaction so the write and the
		// authorization see the same snapshot.
		if !actor.IsSuperAdmin() {
			entitled, err := s.orders.ProviderEntitled(ctx, providerID, clinicID)
			if err != nil {
				return err
			}
			if !entitled {
				return &RequestError{Status: http.StatusForbidden, Code: CodeProviderNotEntitled,
					Detail: "provider is not entitled to prescribe for this clinic"}
			}
		}

		status := StatusPending
		if req.QueueForProvider {
			status = StatusQueuedForProvider
		}
		o := &Order{
			ClinicID:    clinicID,
			ProviderID:  providerID,
			PatientID:   pat.ID,
			MessageID:   req.MessageID,
			Status:      status,
			RequestJSON: reqJSON,
		}
		if err := s.orders.Create(ctx, o); err != nil {
			if db.IsUniqueViolation(err) {
				return errDuplicateMessage
			}
			return err
		}

		rx := make([]*Rx, 0, len(req.Rx))
		for _, in := range req.Rx {
			rx = append(rx, &Rx{
				DrugName:     in.DrugName,
				DrugClass:    in.DrugClass,
				Strength:     in.Strength,
				Quantity:     in.Quantity,
				DaysSupply:   in.DaysSupply,
				Refills:      in.Refills,
				Instructions: in.Instructions,
			})
		}
		if err := s.orders.CreateRxBulk(ctx, o.ID, rx); err != nil {
			return err
		}
		o.Rx = rx
		order = o
		isNew = true
		return nil
	})
	if errors.Is(txErr, errDuplicateMessage) {
		existing, ferr := s.orders.GetByMessageID(ctx, clinicID, req.MessageID)
		if ferr != nil {
			return nil, ferr
		}
		order, isNew = existing, false
	} else if txErr != nil {
		return nil, txErr
	}

	result := &Result{Order: order, IsNew: isNew, Warnings: warnings}
	if !isNew || order.Status != StatusPending {
		return result, nil
	}

	s.auditor.Record(ctx, &audit.Entry{
		ClinicID: clinicID,
		Actor:    actor.UserID,
		Action:   "order.created",
		Entity:   "order",
		EntityID: order.ID.String(),
		Diff:     map[string]any{"messageId": order.MessageID, "rxCount": len(order.Rx)},
	})

	return s.submitExternal(ctx, result, pat)
}

// RetrySubmit re-runs the external submission gate alone for an order in the
// error state. No local rows are recreated.
func (s *Service) RetrySubmit(ctx context.Context, actor auth.Actor, orderID uuid.UUID) (*Result, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.MemberOfClinic(order.ClinicID) {
		return nil, ErrOrderNotFound
	}
	if order.Status != StatusError {
		return nil, &RequestError{Status: http.StatusConflict, Code: CodeValidation,
			Detail: fmt.Sprintf("order is %s, only errored orders can be resubmitted", order.Status)}
	}

	pat, err := s.patients.Get(ctx, order.PatientID)
	if err != nil {
		return nil, err
	}

	return s.submitExternal(ctx, &Result{Order: order, IsNew: false}, pat)
}

func (s *Service) Get(ctx context.Context, actor auth.Actor, orderID uuid.UUID) (*Order, error) {
	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.MemberOfClinic(order.ClinicID) {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// submitExternal is the post-commit gate: the order, patient, and rx rows
// are already durable and are never rolled back here.
func (s *Service) submitExternal(ctx context.Context, result *Result, pat *patient.Patient) (*Result, error) {
	order := result.Order

	sub, err := s.pharmacy.SubmitOrder(ctx, buildPayload(order, pat))
	if err != nil {
		// The reason is preserved verbatim for operator diagnosis.
		reason := err.Error()
		if merr := s.orders.MarkError(ctx, order.ID, reason); merr != nil {
			s.log.Error().Err(merr).Str("order_id", order.ID.String()).
				Msg("failed to record pharmacy error on order")
		}
		order.Status = StatusError
		order.ErrorReason = reason
		return nil, &SubmissionError{Order: order, Reason: reason}
	}

	if err := s.orders.MarkSent(ctx, order.ID, sub.OrderID, sub.Raw); err != nil {
		s.log.Error().Err(err).Str("order_id", order.ID.String()).
			Msg("failed to record pharmacy acceptance on order")
		result.Warnings = append(result.Warnings, steps.Warning{
			Step: "record-submission", Reason: err.Error(),
		})
	}
	order.Status = StatusSent
	order.PharmacyOrderID = sub.OrderID
	order.ErrorReason = ""
	result.Pharmacy = sub

	postWarnings, _ := s.runner.Run(ctx, []steps.Step{
		{Name: "record-fee", Run: func(ctx context.Context) error {
			return s.hooks.RecordFee(ctx, order)
		}},
		{Name: "advance-refill-queue", Run: func(ctx context.Context) error {
			return s.hooks.AdvanceRefillQueue(ctx, order)
		}},
		{Name: "portal-invite", Run: func(ctx context.Context) error {
			return s.hooks.SendPortalInvite(ctx, order, pat)
		}},
	})
	result.Warnings = append(result.Warnings, postWarnings...)

	s.auditor.Record(ctx, &audit.Entry{
		ClinicID: order.ClinicID,
		Actor:    "system",
		Action:   "order.sent",
		Entity:   "order",
		EntityID: order.ID.String(),
		Diff:     map[string]any{"pharmacyOrderId": sub.OrderID},
	})

	return result, nil
}

func (s *Service) resolvePatient(ctx context.Context, actor auth.Actor, clinicID uuid.UUID, in PatientInput, gender string) (*patient.Patient, error) {
	if in.PatientID != "" {
		id := uuid.MustParse(in.PatientID)
		p, err := s.patients.Get(ctx, id)
		if err != nil {
			if errors.Is(err, patient.ErrNotFound) {
				return nil, &RequestError{Status: http.StatusUnprocessableEntity, Code: CodeMissingPatientInfo,
					Detail: "patient does not exist"}
			}
			return nil, err
		}
		if p.ClinicID != clinicID {
			return nil, &RequestError{Status: http.StatusForbidden, Code: CodeClinicAccessDenied,
				Detail: "patient belongs to another clinic"}
		}
		return p, nil
	}

	p, _, err := s.patients.ResolveOrCreate(ctx, clinicID, patient.Draft{
		FirstName: in.FirstName,
		LastName:  in.LastName,
		DOB:       in.DOB,
		Email:     in.Email,
		Phone:     in.Phone,
		Gender:    gender,
	})
	return p, err
}

// vialSafeguard enforces the one-month vial cap for GLP-1 class drugs. The
// explicit plan duration is authoritative; when it disagrees with the
// days-supply heuristic the ambiguity is flagged as a warning, not a
// rejection.
func (s *Service) vialSafeguard(req *SubmitRequest) ([]steps.Warning, error) {
	var warnings []steps.Warning

	maxDays := 0
	vials := 0
	for _, rx := range req.Rx {
		if rx.DaysSupply > maxDays {
			maxDays = rx.DaysSupply
		}
		if rx.IsGLP1() {
			vials += rx.Quantity
		}
	}
	heuristicOneMonth := maxDays > 0 && maxDays <= 30

	oneMonth := heuristicOneMonth
	if req.PlanDurationMonths > 0 {
		oneMonth = req.PlanDurationMonths == 1
		if maxDays > 0 && oneMonth != heuristicOneMonth {
			warnings = append(warnings, steps.Warning{
				Step: "plan-duration",
				Reason: fmt.Sprintf("explicit plan duration (%d months) disagrees with days-supply heuristic (max %d days); using explicit value",
					req.PlanDurationMonths, maxDays),
			})
		}
	}

	if oneMonth && vials > 1 && !req.OverrideVialSafeguard {
		return nil, &RequestError{Status: http.StatusUnprocessableEntity, Code: CodeVialSafeguard,
			Detail: fmt.Sprintf("%d vials of a GLP-1 medication on a one-month plan exceeds the cap of 1; set overrideVialSafeguard to proceed", vials)}
	}
	return warnings, nil
}

func pharmacyGender(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "m", "male":
		return "male", true
	case "f", "female":
		return "female", true
	}
	return "", false
}

func buildPayload(o *Order, p *patient.Patient) *pharmacy.OrderPayload {
	payload := &pharmacy.OrderPayload{
		MessageID: o.MessageID,
		Provider:  pharmacy.Person{ID: o.ProviderID.String()},
	}
	if p != nil {
		payload.Patient = pharmacy.Person{
			ID:        p.ID.String(),
			FirstName: p.FirstName,
			LastName:  p.LastName,
			DOB:       p.DOB,
			Gender:    p.Gender,
			Email:     p.Email,
			Phone:     p.Phone,
		}
	}
	for _, rx := range o.Rx {
		payload.Rx = append(payload.Rx, pharmacy.RxEntry{
			DrugName:     rx.DrugName,
			Strength:     rx.Strength,
			Quantity:     rx.Quantity,
			DaysSupply:   rx.DaysSupply,
			Refills:      rx.Refills,
			Instructions: rx.Instructions,
		})
	}
	return payload
}
