package metrics

import "time"

// Counter and latency names recorded by the settlement engine.
const (
	EventPaymentCaptured     = "payment_captured"
	EventApprovalClaimed     = "approval_claimed"
	EventApprovalConflict    = "approval_conflict"
	EventSettlementCompleted = "settlement_completed"
	EventSettlementFailed    = "settlement_failed"
	EventPaymentRejected     = "payment_rejected"
	EventPaymentExpired      = "payment_expired"
	EventRequirementFallback = "requirement_fallback"

	OpSettlementReplay = "settlement_replay"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// NoopRecorder discards everything. It is the engine default.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
