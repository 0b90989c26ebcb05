package coordination

// Broadcast message types exchanged between participants.
const (
	MsgPresence          = "presence"
	MsgDeparture         = "departure"
	MsgHeartbeat         = "heartbeat"
	MsgLockRequest       = "lock_request"
	MsgLockGranted       = "lock_granted"
	MsgLockDenied        = "lock_denied"
	MsgMigrationStart    = "migration_start"
	MsgMigrationComplete = "migration_complete"
)

// lockPayload is carried by lock_request, lock_granted and lock_denied.
// Fence is the grant generation issued by the granter; requests and denials
// leave it zero.
type lockPayload struct {
	LockID string `json:"lockId"`
	Fence  uint64 `json:"fence,omitempty"`
}

// migrationPayload is carried by migration_start and migration_complete.
// The announcements are informational; they do not gate access by
// themselves.
type migrationPayload struct {
	Database string `json:"database"`
	Version  uint64 `json:"version,omitempty"`
}
