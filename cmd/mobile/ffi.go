//go:build cgo

// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: libadherence.so (Android) / adherence.framework (iOS)
//
// Functions returning *C.char hand ownership to the caller, who must release
// it with FreeString. A NULL result means failure; GetLastError returns the
// error as {"code":..., "message":...}.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"os"
	"sync"
	"unsafe"

	"github.com/kimhsiao/adherence/backend/internal/bridge"
	"github.com/kimhsiao/adherence/backend/internal/config"
	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/logging"
)

var (
	mu      sync.RWMutex
	core    *bridge.Bridge
	lastErr string
	lastMu  sync.RWMutex
)

//export Init
// Init opens the core with its database under dataDir and starts
// background sync. It returns 0 on success and -1 on failure.
func Init(dataDir *C.char) C.int {
	mu.Lock()
	defer mu.Unlock()
	if core != nil {
		return 0
	}

	cfg, err := config.FromEnv()
	if err != nil {
		setLastError(err)
		return -1
	}
	if dir := C.GoString(dataDir); dir != "" {
		cfg.DBPath = dir
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	b, err := bridge.Open(context.Background(), cfg)
	if err != nil {
		setLastError(err)
		return -1
	}
	core = b
	return 0
}

//export Cleanup
// Cleanup stops background work and closes the database.
func Cleanup() {
	mu.Lock()
	defer mu.Unlock()
	if core == nil {
		return
	}
	if err := core.Close(); err != nil {
		setLastError(err)
	}
	core = nil
}

//export GetLastError
// GetLastError returns the last error. The caller frees the result.
func GetLastError() *C.char {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return C.CString(lastErr)
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

func setLastError(err error) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = bridge.EncodeError(err)
}

// withCore runs fn against the open core and converts its result.
func withCore(fn func(b *bridge.Bridge) (string, error)) *C.char {
	mu.RLock()
	b := core
	mu.RUnlock()
	if b == nil {
		setLastError(apperrors.New(apperrors.ErrInternal, "core not initialized"))
		return nil
	}
	out, err := fn(b)
	if err != nil {
		setLastError(err)
		return nil
	}
	return C.CString(out)
}

//export PatientCreate
func PatientCreate(payload *C.char) *C.char {
	p := C.GoString(payload)
	return withCore(func(b *bridge.Bridge) (string, error) { return b.CreatePatient(p) })
}

//export MedicineCreate
func MedicineCreate(payload *C.char) *C.char {
	p := C.GoString(payload)
	return withCore(func(b *bridge.Bridge) (string, error) { return b.CreateMedicine(p) })
}

//export MedicinesToday
func MedicinesToday(patientID *C.char) *C.char {
	id := C.GoString(patientID)
	return withCore(func(b *bridge.Bridge) (string, error) { return b.TodaysMedicines(id) })
}

//export DoseRecord
// DoseRecord stores an adherence log. Taken doses without actual_time are
// stamped with the current time.
func DoseRecord(payload *C.char) *C.char {
	p := C.GoString(payload)
	return withCore(func(b *bridge.Bridge) (string, error) { return b.RecordDose(p) })
}

//export SymptomRecord
func SymptomRecord(payload *C.char) *C.char {
	p := C.GoString(payload)
	return withCore(func(b *bridge.Bridge) (string, error) { return b.RecordSymptom(p) })
}

//export AdherenceStreak
// AdherenceStreak returns the streak in days, or -1 on failure.
func AdherenceStreak(patientID *C.char) C.int {
	mu.RLock()
	b := core
	mu.RUnlock()
	if b == nil {
		setLastError(apperrors.New(apperrors.ErrInternal, "core not initialized"))
		return -1
	}
	n, err := b.Streak(C.GoString(patientID))
	if err != nil {
		setLastError(err)
		return -1
	}
	return C.int(n)
}

//export RiskAssess
func RiskAssess(patientID *C.char) *C.char {
	id := C.GoString(patientID)
	return withCore(func(b *bridge.Bridge) (string, error) { return b.Risk(id) })
}

//export SyncStatus
func SyncStatus() *C.char {
	return withCore(func(b *bridge.Bridge) (string, error) { return b.SyncStatus() })
}

//export SyncNow
func SyncNow() *C.char {
	return withCore(func(b *bridge.Bridge) (string, error) { return b.SyncNow() })
}

//export BackupCreate
// BackupCreate writes a backup archive. payload may be empty.
func BackupCreate(payload *C.char) *C.char {
	p := C.GoString(payload)
	return withCore(func(b *bridge.Bridge) (string, error) { return b.Backup(p) })
}

//export ConnectivityReport
// ConnectivityReport records a platform network change. Non-zero means
// online. It returns 1 when the state changed.
func ConnectivityReport(online C.int) C.int {
	mu.RLock()
	b := core
	mu.RUnlock()
	if b == nil {
		return 0
	}
	if b.SetOnline(online != 0) {
		return 1
	}
	return 0
}

func main() {
	// Required for c-shared build mode; not executed when used as a library.
}
