// Package models provides data model definitions for the adherence engine.
package models

import "time"

// Table names of the local schema. The outbox and the remote store address
// records as "<table>/<record id>".
const (
	TablePatients          = "patients"
	TableMedicines         = "medicines"
	TableAdherenceLogs     = "adherence_logs"
	TableSymptoms          = "symptoms"
	TableCaregivers        = "caregivers"
	TablePatientCaregivers = "patient_caregivers"
	TableInterventions     = "interventions"
	TableSyncQueue         = "sync_queue"
)

// SyncedTables lists every table whose mutations go through the outbox.
var SyncedTables = []string{
	TablePatients,
	TableMedicines,
	TableAdherenceLogs,
	TableSymptoms,
	TableCaregivers,
	TablePatientCaregivers,
	TableInterventions,
}

// IsSyncedTable reports whether name is one of SyncedTables.
func IsSyncedTable(name string) bool {
	for _, t := range SyncedTables {
		if t == name {
			return true
		}
	}
	return false
}

// unixTime converts stored unix seconds to time.Time.
func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0)
}
