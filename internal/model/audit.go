package model

// AuditEventType identifies the kind of a security/operations event.
type AuditEventType string

const (
	AuditEventCircuitOpened     AuditEventType = "CIRCUIT_OPENED"
	AuditEventCircuitRecovered  AuditEventType = "CIRCUIT_RECOVERED"
	AuditEventCircuitReset      AuditEventType = "CIRCUIT_RESET"
	AuditEventRateLimitExceeded AuditEventType = "RATE_LIMIT_EXCEEDED"
)

// String returns the string representation of AuditEventType.
func (e AuditEventType) String() string {
	return string(e)
}
