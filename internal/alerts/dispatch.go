package alerts

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// dispatchUser sends the user's selected candidates in ranked order. A
// store failure stops the user's batch; other users are unaffected.
func (s *Scheduler) dispatchUser(ctx context.Context, c *cycle, u *userBatch) {
	for i, p := range u.selected {
		if ctx.Err() != nil {
			c.deadline.Store(true)
			unresolveRest(u.selected[i:], "cycle deadline reached")
			return
		}
		if !s.dispatchOne(ctx, c, u, p) {
			unresolveRest(u.selected[i+1:], "user batch aborted")
			return
		}
	}
}

// dispatchOne reserves quota, sends, then records the ledger entry. It
// returns false when a store failure should stop the user's batch.
func (s *Scheduler) dispatchOne(ctx context.Context, c *cycle, u *userBatch, p *pair) bool {
	log := s.logger.With("run_id", c.res.RunID, "user_id", u.userID, "deal_id", p.Deal.ID)

	ok, err := s.quota.Consume(ctx, u.profile, c.now, p.slot)
	if err == nil && !ok && p.slot == SlotRegular && s.policy.IsExceptional(float64(p.Deal.DealScore)) {
		// A concurrent shard took the last regular unit.
		p.slot = SlotOverride
		ok, err = s.quota.Consume(ctx, u.profile, c.now, p.slot)
	}
	if err != nil {
		log.Error("quota reservation failed", "error", err)
		u.fail(err)
		p.unresolve("quota store unavailable")
		return false
	}
	if !ok {
		p.settle(OutcomeSuppressedQuota, "daily cap reached")
		return true
	}

	var tokens []string
	err = callStore(ctx, s.opts.StoreTimeout, 1, func(ctx context.Context) error {
		var err error
		tokens, err = s.stores.Devices.TokensFor(ctx, u.userID)
		return err
	})
	if err != nil {
		s.release(ctx, c, u, p)
		log.Error("device token lookup failed", "error", err)
		u.fail(err)
		p.unresolve("device store unavailable")
		return false
	}
	if len(tokens) == 0 {
		s.release(ctx, c, u, p)
		log.Warn("no device tokens")
		p.settle(OutcomeSkipped, "no active device tokens")
		return true
	}

	result := s.deliver(ctx, u.userID, tokens, buildPayload(p.Candidate))
	if result.Success {
		rec := AlertRecord{
			UserID:     u.userID,
			FamilyKey:  p.FamilyKey,
			DealID:     p.Deal.ID,
			FinalScore: p.FinalScore,
			Slot:       p.slot,
			SentAt:     c.now,
		}
		if err := s.ledger.Record(ctx, rec); err != nil {
			log.Error("ledger record failed after delivery", "error", err)
			u.fail(err)
		}
		log.Info("alert delivered", "family", p.FamilyKey, "score", p.FinalScore, "slot", p.slot)
		p.settle(OutcomeDelivered, "")
		return true
	}

	s.release(ctx, c, u, p)
	if result.Permanent {
		log.Warn("alert failed permanently", "reason", result.Reason)
		p.settle(OutcomeFailed, result.Reason)
		return true
	}
	attempts := p.attempts + 1
	if attempts >= s.opts.MaxAttempts {
		log.Warn("alert dropped after max attempts", "attempts", attempts, "reason", result.Reason)
		p.settle(OutcomeFailed, "max delivery attempts: "+result.Reason)
		return true
	}
	if err := s.enqueue(ctx, p, c.now, attempts, "retry: "+result.Reason); err != nil {
		log.Error("retry enqueue failed", "error", err)
		u.fail(err)
		p.unresolve("deferral store unavailable")
		return false
	}
	log.Info("alert queued for retry", "attempts", attempts, "reason", result.Reason)
	p.settle(OutcomeRetryQueued, result.Reason)
	return true
}

// deliver sends payload to every token. The pair succeeds if any device
// accepted it, and fails permanently only if every device did.
func (s *Scheduler) deliver(ctx context.Context, userID string, tokens []string, payload Payload) DeliveryResult {
	delivered := false
	permanent := true
	var last DeliveryResult
	for _, tok := range tokens {
		r := s.send(ctx, tok, payload)
		if r.TokenInvalid {
			err := callStore(ctx, s.opts.StoreTimeout, 1, func(ctx context.Context) error {
				return s.stores.Devices.Deactivate(ctx, userID, tok)
			})
			if err != nil {
				s.logger.Warn("deactivate device token failed", "user_id", userID, "error", err)
			}
		}
		if r.Success {
			delivered = true
			continue
		}
		last = r
		if !r.Permanent {
			permanent = false
		}
	}
	if delivered {
		return DeliveryResult{Success: true}
	}
	return DeliveryResult{Reason: last.Reason, Permanent: permanent}
}

// send calls the transport with a per-call timeout detached from the cycle
// deadline, retrying transient failures while the cycle is still live.
func (s *Scheduler) send(ctx context.Context, token string, payload Payload) DeliveryResult {
	var r DeliveryResult
	for attempt := 0; attempt <= s.opts.PushRetries; attempt++ {
		if attempt > 0 && ctx.Err() != nil {
			break
		}
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PushTimeout)
		r = s.transport.Send(callCtx, token, payload)
		cancel()
		if r.Success || r.Permanent {
			return r
		}
	}
	return r
}

func (s *Scheduler) release(ctx context.Context, c *cycle, u *userBatch, p *pair) {
	if err := s.quota.Release(ctx, u.profile, c.now, p.slot); err != nil {
		s.logger.Error("quota release failed", "run_id", c.res.RunID, "user_id", u.userID, "error", err)
		u.fail(err)
	}
}

// enqueue writes p to the deferral queue, due at deliverAt.
func (s *Scheduler) enqueue(ctx context.Context, p *pair, deliverAt time.Time, attempts int, reason string) error {
	id := p.deferralID
	if id == "" {
		id = uuid.NewString()
	}
	d := Deferred{
		ID:             id,
		UserID:         p.UserID,
		Deal:           p.Deal,
		WatchlistMatch: p.Match.Watchlist,
		ExactMatch:     p.Match.Exact,
		DeliverAt:      deliverAt,
		Attempts:       attempts,
		Reason:         reason,
	}
	return callStore(ctx, s.opts.StoreTimeout, 1, func(ctx context.Context) error {
		return s.stores.Deferrals.Defer(ctx, d)
	})
}
