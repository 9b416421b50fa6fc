package prescription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/caremesh/caremesh/internal/platform/auth"
)

func newTestServer(f *fixture, roles ...string) *echo.Echo {
	e := echo.New()

	asActor := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx = context.WithValue(ctx, auth.UserIDKey, "user-1")
			ctx = context.WithValue(ctx, auth.UserRolesKey, roles)
			ctx = context.WithValue(ctx, auth.ClinicIDsKey, []string{f.clinicID.String()})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}

	api := e.Group("/api/v1", asActor)
	NewHandler(f.svc, zerolog.Nop()).RegisterRoutes(api)
	return e
}

func (f *fixture) submitBody(messageID string) string {
	return fmt.Sprintf(`{
		"clinicId": %q,
		"providerId": %q,
		"messageId": %q,
		"patient": {"firstName": "Jane", "lastName": "Doe", "dob": "1990-05-01", "gender": "female"},
		"rx": [{"drugName": "Semaglutide", "drugClass": "GLP-1", "quantity": 1, "daysSupply": 30}]
	}`, f.clinicID, f.providerID, messageID)
}

func postJSON(e *echo.Echo, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHandlerSubmit_CreatedThenOK(t *testing.T) {
	f := newFixture()
	e := newTestServer(f, auth.RoleProvider)

	rec := postJSON(e, "/api/v1/prescriptions", f.submitBody("msg-h1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("first submit = %d, body %s", rec.Code, rec.Body.String())
	}
	var first struct {
		Order struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"order"`
		IsNew bool `json:"isNew"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !first.IsNew || first.Order.Status != StatusSent {
		t.Errorf("isNew=%v status=%q", first.IsNew, first.Order.Status)
	}

	rec = postJSON(e, "/api/v1/prescriptions", f.submitBody("msg-h1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("replay = %d, want 200", rec.Code)
	}
	var second struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
		IsNew bool `json:"isNew"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if second.IsNew || second.Order.ID != first.Order.ID {
		t.Errorf("replay isNew=%v id=%s, want existing order %s", second.IsNew, second.Order.ID, first.Order.ID)
	}
}

func TestHandlerSubmit_ValidationRejected(t *testing.T) {
	f := newFixture()
	e := newTestServer(f, auth.RoleProvider)

	rec := postJSON(e, "/api/v1/prescriptions", `{"clinicId": "not-a-uuid"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["code"] != CodeValidation {
		t.Errorf("code = %v", body["code"])
	}
}

func TestHandlerSubmit_RoleRequired(t *testing.T) {
	f := newFixture()
	e := newTestServer(f, "patient")

	rec := postJSON(e, "/api/v1/prescriptions", f.submitBody("msg-h2"))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(f.orders.orders) != 0 {
		t.Error("forbidden request must not write")
	}
}

func TestHandlerSubmit_PharmacyFailureIsBadGateway(t *testing.T) {
	f := newFixture()
	f.pharm.fail = true
	f.pharm.reason = "upstream timeout"
	e := newTestServer(f, auth.RoleProvider)

	rec := postJSON(e, "/api/v1/prescriptions", f.submitBody("msg-h3"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var body struct {
		Code        string `json:"code"`
		Error       string `json:"error"`
		Recoverable bool   `json:"recoverable"`
		Order       struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"order"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != CodeSubmissionFailed {
		t.Errorf("code = %q", body.Code)
	}
	if !body.Recoverable {
		t.Error("external failures are recoverable")
	}
	if body.Order.Status != StatusError {
		t.Errorf("attached order status = %q", body.Order.Status)
	}

	// The order survived; the retry endpoint completes it.
	f.pharm.fail = false
	rec = postJSON(e, "/api/v1/orders/"+body.Order.ID+"/submit", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("retry = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerSubmit_VialSafeguard(t *testing.T) {
	f := newFixture()
	e := newTestServer(f, auth.RoleProvider)

	body := fmt.Sprintf(`{
		"clinicId": %q,
		"providerId": %q,
		"planDurationMonths": 1,
		"patient": {"firstName": "Jane", "lastName": "Doe", "dob": "1990-05-01", "gender": "female"},
		"rx": [{"drugName": "Tirzepatide", "drugClass": "GLP-1", "quantity": 2, "daysSupply": 30}]
	}`, f.clinicID, f.providerID)

	rec := postJSON(e, "/api/v1/prescriptions", body)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["code"] != CodeVialSafeguard {
		t.Errorf("code = %v", resp["code"])
	}
}

func TestHandlerGetOrder(t *testing.T) {
	f := newFixture()
	e := newTestServer(f, auth.RoleProvider)

	rec := postJSON(e, "/api/v1/prescriptions", f.submitBody("msg-h4"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit = %d", rec.Code)
	}
	var created struct {
		Order struct {
			ID string `json:"id"`
		} `json:"order"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+created.Order.ID, nil)
	get := httptest.NewRecorder()
	e.ServeHTTP(get, req)
	if get.Code != http.StatusOK {
		t.Fatalf("get = %d", get.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/orders/00000000-0000-0000-0000-000000000001", nil)
	miss := httptest.NewRecorder()
	e.ServeHTTP(miss, req)
	if miss.Code != http.StatusNotFound {
		t.Fatalf("missing order = %d, want 404", miss.Code)
	}
}
