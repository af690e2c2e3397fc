package alert

import (
	"time"

	"github.com/google/uuid"
)

// Event types sent to operators.
const (
	EventIntegrityBroken   = "chain.integrity_broken"
	EventIntegrityRestored = "chain.integrity_restored"
	EventAuditFailed       = "ledger.audit_failed"
	EventFanoutAbandoned   = "fanout.leg_abandoned"
)

// Event is the JSON body POSTed to every configured operator URL.
type Event struct {
	ID        uuid.UUID         `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}
