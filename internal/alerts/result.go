package alerts

import (
	"fmt"
	"time"
)

// Phase is a scan-cycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseExpanding
	PhaseScoring
	PhaseFiltering
	PhaseRanking
	PhaseDispatching
	PhaseCommitted
)

var phaseNames = [...]string{
	"idle", "fetching", "expanding", "scoring",
	"filtering", "ranking", "dispatching", "committed",
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Outcome is the resolution of one (user, deal) pair.
type Outcome string

const (
	OutcomeDelivered       Outcome = "delivered"
	OutcomeDeferred        Outcome = "deferred"
	OutcomeRetryQueued     Outcome = "retry_queued"
	OutcomeSuppressedDedup Outcome = "suppressed_dedup"
	OutcomeSuppressedQuota Outcome = "suppressed_quota"
	OutcomeSkipped         Outcome = "skipped"
	OutcomeFailed          Outcome = "failed"
	OutcomeExpired         Outcome = "expired"
	OutcomeUnresolved      Outcome = "unresolved"
)

// Resolved reports whether the pair needs no further work this cycle.
func (o Outcome) Resolved() bool {
	return o != OutcomeUnresolved && o != ""
}

// Dispatch records what happened to one pair.
type Dispatch struct {
	UserID     string  `json:"user_id"`
	DealID     string  `json:"deal_id"`
	FamilyKey  string  `json:"family_key"`
	FinalScore float64 `json:"final_score"`
	Slot       Slot    `json:"slot,omitempty"`
	Outcome    Outcome `json:"outcome"`
	Reason     string  `json:"reason,omitempty"`
}

// ScanResult tracks the outcome of one scan cycle.
type ScanResult struct {
	RunID             string        `json:"run_id"`
	Phase             Phase         `json:"-"`
	PhaseName         string        `json:"phase"`
	DealsFetched      int           `json:"deals_fetched"`
	DeferralsClaimed  int           `json:"deferrals_claimed"`
	Candidates        int           `json:"candidates"`
	Delivered         int           `json:"delivered"`
	OverridesUsed     int           `json:"overrides_used"`
	Deferred          int           `json:"deferred"`
	RetryQueued       int           `json:"retry_queued"`
	SuppressedDedup   int           `json:"suppressed_dedup"`
	SuppressedQuota   int           `json:"suppressed_quota"`
	Skipped           int           `json:"skipped"`
	Failed            int           `json:"failed"`
	Expired           int           `json:"expired"`
	Unresolved        int           `json:"unresolved"`
	WatermarkFrom     Cursor        `json:"watermark_from"`
	WatermarkTo       Cursor        `json:"watermark_to"`
	WatermarkAdvanced bool          `json:"watermark_advanced"`
	DeadlineExceeded  bool          `json:"deadline_exceeded"`
	Duration          time.Duration `json:"duration"`
	Errors            []string      `json:"errors,omitempty"`
	Dispatches        []Dispatch    `json:"dispatches,omitempty"`
}

// Summary returns a human-readable summary.
func (r *ScanResult) Summary() string {
	return fmt.Sprintf(
		"deals=%d deferrals=%d candidates=%d delivered=%d overrides=%d deferred=%d retry=%d dedup=%d quota=%d skipped=%d failed=%d unresolved=%d advanced=%v dur=%s",
		r.DealsFetched, r.DeferralsClaimed, r.Candidates, r.Delivered, r.OverridesUsed,
		r.Deferred, r.RetryQueued, r.SuppressedDedup, r.SuppressedQuota, r.Skipped,
		r.Failed, r.Unresolved, r.WatermarkAdvanced, r.Duration.Round(time.Millisecond))
}

func (r *ScanResult) tally(d Dispatch) {
	r.Dispatches = append(r.Dispatches, d)
	switch d.Outcome {
	case OutcomeDelivered:
		r.Delivered++
		if d.Slot == SlotOverride {
			r.OverridesUsed++
		}
	case OutcomeDeferred:
		r.Deferred++
	case OutcomeRetryQueued:
		r.RetryQueued++
	case OutcomeSuppressedDedup:
		r.SuppressedDedup++
	case OutcomeSuppressedQuota:
		r.SuppressedQuota++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	case OutcomeExpired:
		r.Expired++
	default:
		r.Unresolved++
	}
}
