// Package bridge exposes the adherence core through a string-in,
// string-out API suited to C callers. Requests and responses are JSON.
package bridge

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/kimhsiao/adherence/backend/internal/app"
	"github.com/kimhsiao/adherence/backend/internal/config"
	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/export"
	"github.com/kimhsiao/adherence/backend/internal/models"
)

// CallTimeout bounds every bridged call. Drains are bounded by the engine's
// per-item timeout instead.
const CallTimeout = 30 * time.Second

// Bridge wraps a started App.
type Bridge struct {
	app *app.App
}

// Open builds and starts the core.
func Open(ctx context.Context, cfg *config.Config, opts ...app.Option) (*Bridge, error) {
	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	a.Start(context.Background())
	return &Bridge{app: a}, nil
}

// App returns the wrapped core.
func (b *Bridge) App() *app.App { return b.app }

// Close stops the core.
func (b *Bridge) Close() error {
	return b.app.Close()
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), CallTimeout)
}

func decode(payload string, v interface{}) error {
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid JSON payload", err)
	}
	return nil
}

func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInternal, "failed to encode response", err)
	}
	return string(data), nil
}

// errorBody mirrors the HTTP error shape.
type errorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// EncodeError renders err as {"code":..., "message":...}.
func EncodeError(err error) string {
	data, _ := json.Marshal(errorBody{Code: apperrors.CodeOf(err), Message: err.Error()})
	return string(data)
}

// CreatePatient stores a patient given as JSON and returns it.
func (b *Bridge) CreatePatient(payload string) (string, error) {
	var p models.Patient
	if err := decode(payload, &p); err != nil {
		return "", err
	}
	ctx, cancel := callContext()
	defer cancel()
	if err := b.app.Repo.CreatePatient(ctx, &p); err != nil {
		return "", err
	}
	return encode(p)
}

// CreateMedicine stores a medicine given as JSON and returns it.
func (b *Bridge) CreateMedicine(payload string) (string, error) {
	var m models.Medicine
	if err := decode(payload, &m); err != nil {
		return "", err
	}
	ctx, cancel := callContext()
	defer cancel()
	if err := b.app.Repo.CreateMedicine(ctx, &m); err != nil {
		return "", err
	}
	return encode(m)
}

// TodaysMedicines lists the medicines active today for patientID.
func (b *Bridge) TodaysMedicines(patientID string) (string, error) {
	ctx, cancel := callContext()
	defer cancel()
	meds, err := b.app.Repo.GetTodaysMedicines(ctx, patientID)
	if err != nil {
		return "", err
	}
	return encode(map[string]interface{}{"items": meds, "total": len(meds)})
}

// RecordDose stores an adherence log given as JSON and returns it.
func (b *Bridge) RecordDose(payload string) (string, error) {
	var l models.AdherenceLog
	if err := decode(payload, &l); err != nil {
		return "", err
	}
	ctx, cancel := callContext()
	defer cancel()
	if err := b.app.Repo.CreateAdherenceLog(ctx, &l); err != nil {
		return "", err
	}
	return encode(l)
}

// RecordSymptom stores a symptom given as JSON and returns it.
func (b *Bridge) RecordSymptom(payload string) (string, error) {
	var s models.Symptom
	if err := decode(payload, &s); err != nil {
		return "", err
	}
	ctx, cancel := callContext()
	defer cancel()
	if err := b.app.Repo.CreateSymptom(ctx, &s); err != nil {
		return "", err
	}
	return encode(s)
}

// Streak returns the patient's run of fully adherent days.
func (b *Bridge) Streak(patientID string) (int, error) {
	ctx, cancel := callContext()
	defer cancel()
	return b.app.Repo.GetAdherenceStreak(ctx, patientID)
}

// Risk assesses patientID now.
func (b *Bridge) Risk(patientID string) (string, error) {
	ctx, cancel := callContext()
	defer cancel()
	a, err := b.app.Risk.Assess(ctx, patientID)
	if err != nil {
		return "", err
	}
	return encode(a)
}

// SyncStatus reports the engine state and pending count.
func (b *Bridge) SyncStatus() (string, error) {
	ctx, cancel := callContext()
	defer cancel()
	s, err := b.app.Engine.Status(ctx)
	if err != nil {
		return "", err
	}
	return encode(s)
}

// SyncNow drains the outbox synchronously.
func (b *Bridge) SyncNow() (string, error) {
	r, err := b.app.Engine.ForceSync(context.Background())
	if err != nil {
		return "", err
	}
	return encode(r)
}

// backupRequest is the Backup payload. An empty path writes into the
// configured backup directory.
type backupRequest struct {
	Path     string `json:"path"`
	Password string `json:"password"`
}

// Backup writes an archive of the whole store and returns its summary.
func (b *Bridge) Backup(payload string) (string, error) {
	var req backupRequest
	if payload != "" {
		if err := decode(payload, &req); err != nil {
			return "", err
		}
	}
	if req.Password == "" {
		req.Password = b.app.Config.BackupPassword
	}
	if req.Path == "" {
		req.Path = filepath.Join(b.app.Config.BackupDir, export.FileName(time.Now(), req.Password != ""))
	}

	ctx, cancel := callContext()
	defer cancel()
	res, err := b.app.Backup.Export(ctx, &export.ExportConfig{OutputPath: req.Path, Password: req.Password})
	if err != nil {
		return "", err
	}
	return encode(res)
}

// SetOnline records the platform's view of connectivity. It reports
// whether the state changed.
func (b *Bridge) SetOnline(online bool) bool {
	return b.app.Connectivity.Set(online)
}
