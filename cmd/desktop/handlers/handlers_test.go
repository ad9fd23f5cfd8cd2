// Package handlers tests for the REST API endpoints.
// These tests verify HTTP request handling, status codes, and responses.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/adherence/backend/internal/analysis/risk"
	"github.com/kimhsiao/adherence/backend/internal/db"
	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/models"
	"github.com/kimhsiao/adherence/backend/internal/services"
	"github.com/kimhsiao/adherence/backend/internal/sync/queue"
)

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type testAPI struct {
	e      *echo.Echo
	repo   *db.Repository
	outbox *queue.Outbox
}

// setupTestAPI mounts the data handlers over an in-memory event store.
func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	clock := func() time.Time { return testNow }
	outbox := queue.NewOutbox(database.DB, queue.WithClock(clock))
	repo := db.NewRepository(database.DB, outbox, db.WithClock(clock), db.WithLocation(time.UTC))

	e := echo.New()
	api := e.Group("/api")
	NewPatientHandler(repo, repo).Register(api)
	adherence := NewAdherenceHandler(repo)
	adherence.now = clock
	adherence.Register(api)
	NewCaregiverHandler(repo).Register(api)

	analyzer := risk.NewAnalyzer(repo, risk.WithClock(clock), risk.WithLocation(time.UTC))
	NewRiskHandler(services.NewRiskService(analyzer, repo, nil)).Register(api)

	return &testAPI{e: e, repo: repo, outbox: outbox}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func (a *testAPI) createPatient(t *testing.T, name string) models.Patient {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/patients", map[string]interface{}{"name": name})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /patients = %d: %s", rec.Code, rec.Body.String())
	}
	var p models.Patient
	decode(t, rec, &p)
	return p
}

func (a *testAPI) createMedicine(t *testing.T, patientID string) models.Medicine {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/medicines", map[string]interface{}{
		"patient_id":     patientID,
		"name":           "Metformin",
		"time_slot":      "morning",
		"scheduled_time": "08:00",
		"duration_days":  30,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /medicines = %d: %s", rec.Code, rec.Body.String())
	}
	var m models.Medicine
	decode(t, rec, &m)
	return m
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code apperrors.ErrorCode
		want int
	}{
		{apperrors.ErrValidation, http.StatusBadRequest},
		{apperrors.ErrNotFound, http.StatusNotFound},
		{apperrors.ErrIntegrity, http.StatusUnprocessableEntity},
		{apperrors.ErrRateLimited, http.StatusTooManyRequests},
		{apperrors.ErrSyncInProgress, http.StatusConflict},
		{apperrors.ErrConnectivity, http.StatusServiceUnavailable},
		{apperrors.ErrRemoteUnavailable, http.StatusBadGateway},
		{apperrors.ErrDatabase, http.StatusInternalServerError},
		{apperrors.ErrInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.code); got != tt.want {
			t.Errorf("StatusFor(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestRespondError_hidesInternalDetails(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	if err := respondError(c, errors.New("disk exploded at /var/secret")); err != nil {
		t.Fatalf("respondError() failed: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	var body ErrorBody
	decode(t, rec, &body)
	if body.Code != apperrors.ErrInternal || body.Message != "internal error" {
		t.Errorf("body = %+v", body)
	}
}

func TestQueryTime(t *testing.T) {
	e := echo.New()
	def := testNow

	tests := []struct {
		query   string
		want    time.Time
		wantErr bool
	}{
		{"", def, false},
		{"?t=1777885200", time.Unix(1777885200, 0), false},
		{"?t=2026-05-01T00:00:00Z", time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), false},
		{"?t=yesterday", time.Time{}, true},
	}
	for _, tt := range tests {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/"+tt.query, nil), httptest.NewRecorder())
		got, err := queryTime(c, "t", def)
		if (err != nil) != tt.wantErr {
			t.Errorf("queryTime(%q) error = %v, wantErr %v", tt.query, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !got.Equal(tt.want) {
			t.Errorf("queryTime(%q) = %v, want %v", tt.query, got, tt.want)
		}
	}
}

func TestPatientHandler_CRUD(t *testing.T) {
	api := setupTestAPI(t)
	p := api.createPatient(t, "Ama")
	if p.ID == "" || p.Language != models.DefaultLanguage {
		t.Fatalf("created patient = %+v", p)
	}

	rec := api.do(t, http.MethodGet, "/api/patients/"+p.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET = %d", rec.Code)
	}

	rec = api.do(t, http.MethodPut, "/api/patients/"+p.ID, map[string]interface{}{"name": "Ama Mensah", "language": "tw"})
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT = %d: %s", rec.Code, rec.Body.String())
	}
	var updated models.Patient
	decode(t, rec, &updated)
	if updated.Name != "Ama Mensah" || updated.ID != p.ID {
		t.Errorf("updated = %+v", updated)
	}

	rec = api.do(t, http.MethodGet, "/api/patients", nil)
	var list struct {
		Total int `json:"total"`
	}
	decode(t, rec, &list)
	if list.Total != 1 {
		t.Errorf("total = %d, want 1", list.Total)
	}

	rec = api.do(t, http.MethodDelete, "/api/patients/"+p.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", rec.Code)
	}
	rec = api.do(t, http.MethodGet, "/api/patients/"+p.ID, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", rec.Code)
	}
}

func TestPatientHandler_validation(t *testing.T) {
	api := setupTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/patients", map[string]interface{}{"name": ""})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST without name = %d, want 400", rec.Code)
	}
	var body ErrorBody
	decode(t, rec, &body)
	if body.Code != apperrors.ErrValidation {
		t.Errorf("code = %s, want VALIDATION", body.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/patients", bytes.NewBufferString("{not json"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	api.e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("POST malformed = %d, want 400", rec.Code)
	}
}

func TestPatientHandler_mutationsQueueOutbox(t *testing.T) {
	api := setupTestAPI(t)
	p := api.createPatient(t, "Kofi")
	api.createMedicine(t, p.ID)

	items, err := api.outbox.PendingItems(context.Background())
	if err != nil {
		t.Fatalf("PendingItems() failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("pending = %d, want 2", len(items))
	}
	if items[0].Table != models.TablePatients || items[1].Table != models.TableMedicines {
		t.Errorf("tables = %s, %s", items[0].Table, items[1].Table)
	}
}

func TestMedicineHandler_unknownPatient(t *testing.T) {
	api := setupTestAPI(t)
	rec := api.do(t, http.MethodPost, "/api/medicines", map[string]interface{}{
		"patient_id":     "6f1c1b9e-1d7a-4a43-9a55-0b6a2f3c2d11",
		"name":           "Aspirin",
		"time_slot":      "evening",
		"scheduled_time": "20:00",
		"duration_days":  5,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("POST /medicines for unknown patient = %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestAdherenceHandler_logsAndStreak(t *testing.T) {
	api := setupTestAPI(t)
	p := api.createPatient(t, "Esi")
	m := api.createMedicine(t, p.ID)

	scheduled := testNow.Add(-time.Hour).Unix()
	rec := api.do(t, http.MethodPost, "/api/logs", map[string]interface{}{
		"medicine_id":    m.ID,
		"scheduled_time": scheduled,
		"status":         "taken",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /logs = %d: %s", rec.Code, rec.Body.String())
	}
	var l models.AdherenceLog
	decode(t, rec, &l)
	if l.PatientID != p.ID {
		t.Errorf("patient_id = %q, want derived %q", l.PatientID, p.ID)
	}
	if l.ActualTime == nil {
		t.Error("taken log without actual_time should be stamped")
	}

	rec = api.do(t, http.MethodGet, "/api/patients/"+p.ID+"/logs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET logs = %d", rec.Code)
	}
	var logs struct {
		Total int `json:"total"`
	}
	decode(t, rec, &logs)
	if logs.Total != 1 {
		t.Errorf("logs total = %d, want 1", logs.Total)
	}

	rec = api.do(t, http.MethodGet, "/api/patients/"+p.ID+"/logs?start=bogus", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("GET logs with bad start = %d, want 400", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/api/patients/"+p.ID+"/streak", nil)
	var streak struct {
		Streak int `json:"streak"`
	}
	decode(t, rec, &streak)
	if streak.Streak != 1 {
		t.Errorf("streak = %d, want 1", streak.Streak)
	}
}

func TestAdherenceHandler_symptoms(t *testing.T) {
	api := setupTestAPI(t)
	p := api.createPatient(t, "Yaw")
	m := api.createMedicine(t, p.ID)

	rec := api.do(t, http.MethodPost, "/api/logs", map[string]interface{}{
		"medicine_id":    m.ID,
		"scheduled_time": testNow.Add(-2 * time.Hour).Unix(),
		"status":         "unwell",
	})
	var l models.AdherenceLog
	decode(t, rec, &l)

	rec = api.do(t, http.MethodPost, "/api/symptoms", map[string]interface{}{
		"log_id":       l.ID,
		"symptom_type": "nausea",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /symptoms = %d: %s", rec.Code, rec.Body.String())
	}

	for _, path := range []string{"/api/logs/" + l.ID + "/symptoms", "/api/patients/" + p.ID + "/symptoms"} {
		rec = api.do(t, http.MethodGet, path, nil)
		var list struct {
			Total int `json:"total"`
		}
		decode(t, rec, &list)
		if list.Total != 1 {
			t.Errorf("GET %s total = %d, want 1", path, list.Total)
		}
	}
}

func TestCaregiverHandler_linksAndInterventions(t *testing.T) {
	api := setupTestAPI(t)
	p := api.createPatient(t, "Abena")

	rec := api.do(t, http.MethodPost, "/api/caregivers", map[string]interface{}{"name": "Nurse Adjoa"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /caregivers = %d: %s", rec.Code, rec.Body.String())
	}
	var cg models.Caregiver
	decode(t, rec, &cg)

	rec = api.do(t, http.MethodPut, "/api/patients/"+p.ID+"/caregivers/"+cg.ID, map[string]interface{}{
		"relationship": "nurse",
		"can_edit":     true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("link = %d: %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodGet, "/api/patients/"+p.ID+"/caregivers", nil)
	var linked struct {
		Total int `json:"total"`
	}
	decode(t, rec, &linked)
	if linked.Total != 1 {
		t.Errorf("linked total = %d, want 1", linked.Total)
	}

	rec = api.do(t, http.MethodPost, "/api/interventions", map[string]interface{}{
		"patient_id":   p.ID,
		"caregiver_id": cg.ID,
		"type":         "call",
		"notes":        "Reminded about evening dose",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /interventions = %d: %s", rec.Code, rec.Body.String())
	}
	rec = api.do(t, http.MethodGet, "/api/patients/"+p.ID+"/interventions", nil)
	var interventions struct {
		Total int `json:"total"`
	}
	decode(t, rec, &interventions)
	if interventions.Total != 1 {
		t.Errorf("interventions total = %d, want 1", interventions.Total)
	}

	rec = api.do(t, http.MethodDelete, "/api/patients/"+p.ID+"/caregivers/"+cg.ID, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("unlink = %d", rec.Code)
	}
}

func TestRiskHandler_GetRisk(t *testing.T) {
	api := setupTestAPI(t)
	p := api.createPatient(t, "Kwame")
	m := api.createMedicine(t, p.ID)
	for i := 1; i <= 3; i++ {
		rec := api.do(t, http.MethodPost, "/api/logs", map[string]interface{}{
			"medicine_id":    m.ID,
			"scheduled_time": testNow.Add(-time.Duration(i) * time.Hour).Unix(),
			"status":         "missed",
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("POST /logs = %d: %s", rec.Code, rec.Body.String())
		}
	}

	rec := api.do(t, http.MethodGet, "/api/patients/"+p.ID+"/risk", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET risk = %d: %s", rec.Code, rec.Body.String())
	}
	var a models.RiskAssessment
	decode(t, rec, &a)
	if a.RiskScore != 2 || a.RiskLevel != models.RiskYellow {
		t.Errorf("assessment = score %d level %s, want 2 yellow", a.RiskScore, a.RiskLevel)
	}

	rec = api.do(t, http.MethodGet, "/api/patients/"+p.ID+"/risk?cached=true", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("cached GET risk = %d", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/api/risk/assess", nil)
	var all struct {
		Total int `json:"total"`
	}
	decode(t, rec, &all)
	if all.Total != 1 {
		t.Errorf("assess all total = %d, want 1", all.Total)
	}
}
