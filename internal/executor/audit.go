package executor

import (
	"sync"
	"time"
)

// AuditType classifies an audit record.
type AuditType string

const (
	AuditDryRun   AuditType = "dry_run"
	AuditExecuted AuditType = "executed"
	AuditBlocked  AuditType = "blocked"
	AuditError    AuditType = "error"
)

// AuditRecord is one line of the execution audit trail.
type AuditRecord struct {
	Type      AuditType
	Command   string
	Timestamp time.Time
}

// auditLog is an append-only, in-memory audit trail. Every Execute call
// produces exactly one record.
type auditLog struct {
	mu      sync.Mutex
	records []AuditRecord
}

func newAuditLog() *auditLog {
	return &auditLog{}
}

func (l *auditLog) Append(t AuditType, command string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, AuditRecord{
		Type:      t,
		Command:   command,
		Timestamp: time.Now().UTC(),
	})
}

// Records returns a copy of the trail in append order.
func (l *auditLog) Records() []AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditRecord, len(l.records))
	copy(out, l.records)
	return out
}
