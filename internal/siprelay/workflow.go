// workflow.go enforces the staged assignment pipeline in one place:
// hospital -> admin -> tl -> analyst -> main, strictly linear, append-only
// staging at every hop. The terminal hop writes a queryable ProcessedData
// row instead of staging another file.
package siprelay

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medrelay-project/medrelay/internal/core"
)

// Workflow owns stage placement and transition rules for Protocol B items.
type Workflow struct {
	storage *PersonalStorage
	db      *sql.DB
}

// NewWorkflow creates a workflow over the given staging store and database.
func NewWorkflow(storage *PersonalStorage, db *sql.DB) *Workflow {
	return &Workflow{storage: storage, db: db}
}

// ValidateTransition rejects anything other than the next forward hop.
func ValidateTransition(from, to core.Role) error {
	fi, ti := core.ChainIndex(from), core.ChainIndex(to)
	if fi < 0 || ti < 0 {
		return &core.SecurityPolicyViolation{
			Reason: fmt.Sprintf("role %s or %s is not part of the assignment chain", from, to),
		}
	}
	if ti != fi+1 {
		return &core.SecurityPolicyViolation{
			Reason: fmt.Sprintf("invalid workflow transition %s", core.WorkflowTag(from, to)),
		}
	}
	return nil
}

// Stage places an item at the destination role. For every role but main
// that means the role's personal storage; the analyst->main hop instead
// creates the terminal ProcessedData record.
func (w *Workflow) Stage(to core.Role, item core.PersonalStorageItem) (core.PersonalStorageItem, error) {
	if to != core.RoleMain {
		return w.storage.Put(to, item)
	}

	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	_, err := w.db.Exec(
		`INSERT INTO processed_data (id, data_type, payload, source, received_at, status, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Type, item.Payload, string(item.Source),
		item.Timestamp.UTC().Format(time.RFC3339Nano),
		string(core.ProcessedPending), item.Notes,
	)
	if err != nil {
		return item, &core.StorageError{Op: "inserting processed data", Cause: err}
	}
	return item, nil
}

// TrackAssignment records one transition in the assignment audit table.
func (w *Workflow) TrackAssignment(itemID string, from, to core.Role, assignedBy string, assignedAt time.Time, notes string) error {
	_, err := w.db.Exec(
		`INSERT INTO assignment_tracking (item_id, from_role, to_role, assigned_by, assigned_at, notes)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		itemID, string(from), string(to), assignedBy,
		assignedAt.UTC().Format(time.RFC3339Nano), notes,
	)
	if err != nil {
		return &core.StorageError{Op: "tracking assignment", Cause: err}
	}
	return nil
}

// ProcessedData returns terminal records, newest first, optionally filtered
// by status.
func (w *Workflow) ProcessedData(status core.ProcessedDataStatus) ([]core.ProcessedData, error) {
	query := `SELECT id, data_type, payload, source, received_at, status, notes FROM processed_data`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY received_at DESC`

	rows, err := w.db.Query(query, args...)
	if err != nil {
		return nil, &core.StorageError{Op: "querying processed data", Cause: err}
	}
	defer rows.Close()

	var records []core.ProcessedData
	for rows.Next() {
		var rec core.ProcessedData
		var source, receivedAt, recStatus string
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Payload, &source, &receivedAt, &recStatus, &rec.Notes); err != nil {
			return nil, &core.StorageError{Op: "scanning processed data", Cause: err}
		}
		rec.Source = core.Role(source)
		rec.Status = core.ProcessedDataStatus(recStatus)
		rec.ReceivedAt, _ = time.Parse(time.RFC3339Nano, receivedAt)
		records = append(records, rec)
	}
	return records, nil
}

// UpdateProcessedStatus mutates the terminal record's status field.
func (w *Workflow) UpdateProcessedStatus(id string, status core.ProcessedDataStatus) error {
	res, err := w.db.Exec(`UPDATE processed_data SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return &core.StorageError{Op: "updating processed data", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &core.NotFoundError{Kind: "processed data", ID: id}
	}
	return nil
}
