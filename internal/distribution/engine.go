// Package distribution implements the principal-funded unlock sweep that
// runs once per newly created stake.
//
// The run first pays the stake's referrer their bonus out of the
// referrer's locked wallet, then rations the remainder of the stake's
// principal across every user holding an active stake, moving each user's
// slice from returnsWallet to accountBalance. Every money movement writes
// a Transfer whose id is derived from the operation, so any step can be
// re-executed without paying twice. A durable DistributionJob records a
// lease, a cursor, and the running total, letting a crashed run resume
// from the last completed page.
package distribution

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/earnbase/stake-engine/internal/httpx"
	"github.com/earnbase/stake-engine/internal/metrics"
	"github.com/earnbase/stake-engine/internal/model"
	"github.com/earnbase/stake-engine/internal/ration"
	"github.com/earnbase/stake-engine/internal/store"
	"github.com/earnbase/stake-engine/internal/stream"
	"github.com/earnbase/stake-engine/internal/transferkey"
)

const (
	// DefaultPageSize is how many users one sweep page covers before the
	// job checkpoint is persisted.
	DefaultPageSize = 200

	// DefaultLeaseTTL bounds how long a dead runner can block the job.
	// Each page checkpoint refreshes the lease.
	DefaultLeaseTTL = 5 * time.Minute

	// enumerationPageSize pages the active-stake scan that builds the
	// eligible-user set.
	enumerationPageSize = 500
)

var (
	// ErrStakeNotFound is returned when the triggering stake does not exist.
	ErrStakeNotFound = errors.New("distribution: stake not found")

	// ErrAlreadyCompleted is returned when the job is terminal. Callers
	// treat it as success, not failure.
	ErrAlreadyCompleted = errors.New("distribution: job already completed")

	// ErrAlreadyLocked is returned when another runner holds a live lease.
	ErrAlreadyLocked = errors.New("distribution: job locked by another runner")
)

// Engine orchestrates distribution runs. All shared state lives in the
// store; the engine itself is stateless and safe for concurrent use.
type Engine struct {
	store    store.Store
	hub      *stream.Hub
	pageSize int
	leaseTTL time.Duration
	now      func() time.Time
}

// NewEngine creates a distribution engine.
// Pass nil for hub if event broadcasting is not needed.
func NewEngine(st store.Store, hub *stream.Hub) *Engine {
	return &Engine{
		store:    st,
		hub:      hub,
		pageSize: DefaultPageSize,
		leaseTTL: DefaultLeaseTTL,
		now:      time.Now,
	}
}

// Summary reports the outcome of one distribution run.
type Summary struct {
	StakeID       string          `json:"stake_id"`
	Reason        string          `json:"reason"`
	ReferralMoved decimal.Decimal `json:"referral_moved"`
	Distributed   decimal.Decimal `json:"distributed"`
	TotalMoved    decimal.Decimal `json:"total_moved"`
	TotalUsers    int             `json:"total_users"`
}

// Run executes (or resumes) the distribution for one stake. The total
// moved (referral bonus plus all unlock sweeps) never exceeds the
// stake's principal.
func (e *Engine) Run(ctx context.Context, stakeID string) (*Summary, error) {
	stake, job, err := e.acquireLease(ctx, stakeID)
	if err != nil {
		if errors.Is(err, ErrAlreadyLocked) {
			metrics.LeaseConflicts.Inc()
		}
		return nil, err
	}

	summary, err := e.execute(ctx, stake, job)
	if err != nil {
		e.unlock(ctx, stakeID, err)
		return nil, err
	}

	metrics.DistributionRuns.WithLabelValues(summary.Reason).Inc()
	return summary, nil
}

// acquireLease reads-or-creates the job document and takes the lease in
// one transaction. A lease left behind by a crashed runner is reclaimed
// once LockedUntil has passed.
func (e *Engine) acquireLease(ctx context.Context, stakeID string) (*model.Stake, *model.DistributionJob, error) {
	var stake *model.Stake
	var job *model.DistributionJob

	err := e.store.RunTx(ctx, func(tx store.Store) error {
		var err error
		stake, err = tx.GetStake(ctx, stakeID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrStakeNotFound
		}
		if err != nil {
			return err
		}

		now := e.now().UTC()
		job, err = tx.GetJob(ctx, stakeID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			job = &model.DistributionJob{
				StakeID:          stakeID,
				Locked:           true,
				LockedUntil:      now.Add(e.leaseTTL),
				TotalDistributed: decimal.Zero,
				Heartbeat:        now,
			}
			return tx.CreateJob(ctx, job)
		case err != nil:
			return err
		}

		if job.Done {
			return ErrAlreadyCompleted
		}
		if job.Locked && now.Before(job.LockedUntil) {
			return ErrAlreadyLocked
		}

		job.Locked = true
		job.LockedUntil = now.Add(e.leaseTTL)
		job.Error = ""
		job.Heartbeat = now
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		return nil, nil, err
	}
	return stake, job, nil
}

// unlock releases the lease after a failure, recording the error so the
// job stays discoverable for a later retry. Best-effort.
func (e *Engine) unlock(ctx context.Context, stakeID string, cause error) {
	err := e.store.RunTx(ctx, func(tx store.Store) error {
		job, err := tx.GetJob(ctx, stakeID)
		if err != nil {
			return err
		}
		if job.Done {
			return nil
		}
		job.Locked = false
		job.Error = cause.Error()
		job.Heartbeat = e.now().UTC()
		return tx.UpdateJob(ctx, job)
	})
	if err != nil {
		slog.Error("distribution job unlock failed", "stake", stakeID, "err", err)
	}
	slog.Error("distribution run failed", "stake", stakeID, "err", cause)
}

func (e *Engine) execute(ctx context.Context, stake *model.Stake, job *model.DistributionJob) (*Summary, error) {
	summary := &Summary{
		StakeID:       stake.ID,
		ReferralMoved: decimal.Zero,
		Distributed:   decimal.Zero,
		TotalMoved:    decimal.Zero,
	}

	if stake.Principal.LessThanOrEqual(decimal.Zero) {
		if err := e.finishJob(ctx, job, model.ReasonInvalidPrincipal, decimal.Zero, 0); err != nil {
			return nil, err
		}
		summary.Reason = model.ReasonInvalidPrincipal
		slog.Warn("distribution skipped", "stake", stake.ID, "reason", summary.Reason)
		return summary, nil
	}

	referralMoved, err := e.sweepReferral(ctx, stake)
	if err != nil {
		return nil, err
	}
	summary.ReferralMoved = referralMoved

	pool := stake.Principal.Sub(referralMoved)
	if pool.IsNegative() {
		pool = decimal.Zero
	}

	userIDs, principals, totalActive, err := e.enumerateEligible(ctx)
	if err != nil {
		return nil, err
	}

	distributed := job.TotalDistributed
	if pool.IsPositive() && totalActive.IsPositive() && len(userIDs) > 0 {
		plan, err := ration.NewPlan(pool, totalActive)
		if err != nil {
			return nil, err
		}
		distributed, err = e.sweep(ctx, stake.ID, job, plan, userIDs, principals)
		if err != nil {
			return nil, err
		}
	}

	summary.Distributed = distributed
	summary.TotalMoved = distributed.Add(referralMoved)
	summary.TotalUsers = len(userIDs)
	summary.Reason = model.ReasonNormal

	// Informational aggregate, commutative increment, best-effort.
	if summary.TotalMoved.IsPositive() {
		if err := e.store.AddCompanyTransfers(ctx, summary.TotalMoved); err != nil {
			slog.Warn("company transfer metric increment failed", "stake", stake.ID, "err", err)
		}
	}

	if err := e.finalize(ctx, stake.ID, job, summary); err != nil {
		return nil, err
	}

	e.hub.Publish(stream.Event{
		Type:    stream.EventDistributionCompleted,
		StakeID: stake.ID,
		Amount:  summary.TotalMoved.String(),
	})
	slog.Info("distribution completed",
		"stake", stake.ID,
		"referral_moved", referralMoved.String(),
		"distributed", distributed.String(),
		"users", summary.TotalUsers,
	)
	return summary, nil
}

// sweepReferral pays the referrer of the triggering stake, capped by the
// referrer's locked balance at the moment of the move. The Transfer is
// written even for a zero amount: it pins the replay result, so a resumed
// run computes the same pool as the run that started the sweep.
func (e *Engine) sweepReferral(ctx context.Context, stake *model.Stake) (decimal.Decimal, error) {
	ref, err := e.store.GetReferralByDeposit(ctx, stake.ID)
	if errors.Is(err, store.ErrNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	moved := decimal.Zero
	err = e.store.RunTx(ctx, func(tx store.Store) error {
		id := transferkey.Referral(stake.ID, ref.ReferrerID)
		if prior, err := tx.GetTransfer(ctx, id); err == nil {
			moved = prior.Amount // idempotent replay
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		referrer, err := tx.GetUser(ctx, ref.ReferrerID)
		if err != nil {
			return err
		}

		take := ration.Take(ref.Bonus, referrer.ReturnsWallet)
		if take.IsPositive() {
			referrer.ReturnsWallet = referrer.ReturnsWallet.Sub(take)
			referrer.AccountBalance = referrer.AccountBalance.Add(take)
			if err := tx.UpdateUser(ctx, referrer); err != nil {
				return err
			}
		}

		moved = take
		return tx.CreateTransfer(ctx, &model.Transfer{
			ID:        id,
			UserID:    referrer.ID,
			Amount:    take,
			Type:      model.TransferReferralBonus,
			Reason:    "referral bonus unlock",
			Source:    stake.ID,
			CreatedAt: e.now().UTC(),
		})
	})
	if err != nil {
		return decimal.Zero, err
	}
	return moved, nil
}

// enumerateEligible pages through all active stakes and aggregates
// principal per user. Returns the user ids in ascending order, the
// order the sweep and its cursor rely on.
func (e *Engine) enumerateEligible(ctx context.Context) ([]string, map[string]decimal.Decimal, decimal.Decimal, error) {
	principals := make(map[string]decimal.Decimal)
	total := decimal.Zero

	afterID := ""
	for {
		page, err := e.store.ListActiveStakes(ctx, afterID, enumerationPageSize)
		if err != nil {
			return nil, nil, decimal.Zero, err
		}
		if len(page) == 0 {
			break
		}
		for _, st := range page {
			principals[st.UserID] = principals[st.UserID].Add(st.Principal)
			total = total.Add(st.Principal)
		}
		afterID = page[len(page)-1].ID
		if len(page) < enumerationPageSize {
			break
		}
	}

	userIDs := make([]string, 0, len(principals))
	for id := range principals {
		userIDs = append(userIDs, id)
	}
	sort.Strings(userIDs)
	return userIDs, principals, total, nil
}

// sweep processes eligible users in pages, unlocking each user's rationed
// slice. After each page the job checkpoint (cursor, running total,
// lease refresh) is persisted, so a crash resumes from the next
// unprocessed page. Users at or before the persisted cursor are skipped;
// users already paid (their Transfer id exists) replay to their recorded
// amount.
func (e *Engine) sweep(ctx context.Context, stakeID string, job *model.DistributionJob, plan *ration.Plan, userIDs []string, principals map[string]decimal.Decimal) (decimal.Decimal, error) {
	distributed := job.TotalDistributed

	pending := userIDs
	if job.Cursor != "" {
		i := sort.SearchStrings(pending, job.Cursor)
		if i < len(pending) && pending[i] == job.Cursor {
			i++
		}
		pending = pending[i:]
	}

	for len(pending) > 0 {
		page := pending
		if len(page) > e.pageSize {
			page = page[:e.pageSize]
		}
		pending = pending[len(page):]

		for _, userID := range page {
			target := plan.Target(principals[userID])
			moved, err := e.sweepUser(ctx, stakeID, userID, target)
			if err != nil {
				return distributed, err
			}
			if moved.IsPositive() {
				distributed = distributed.Add(moved)
				metrics.DistributionSweeps.Inc()
			}
		}

		job.Cursor = page[len(page)-1]
		job.TotalDistributed = distributed
		job.TotalUsers = len(userIDs)
		if err := e.checkpoint(ctx, job); err != nil {
			return distributed, err
		}
	}

	return distributed, nil
}

// sweepUser moves one user's take from returnsWallet to accountBalance in
// a single transaction. The take is capped by the wallet balance read on
// the locked row. Re-execution finds the Transfer id and moves nothing.
func (e *Engine) sweepUser(ctx context.Context, stakeID, userID string, target decimal.Decimal) (decimal.Decimal, error) {
	moved := decimal.Zero
	err := e.store.RunTx(ctx, func(tx store.Store) error {
		id := transferkey.Distribution(stakeID, userID)
		if prior, err := tx.GetTransfer(ctx, id); err == nil {
			moved = prior.Amount // idempotent replay
			return nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}

		take := ration.Take(target, user.ReturnsWallet)
		if !take.IsPositive() {
			return nil
		}

		user.ReturnsWallet = user.ReturnsWallet.Sub(take)
		user.AccountBalance = user.AccountBalance.Add(take)
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}

		moved = take
		return tx.CreateTransfer(ctx, &model.Transfer{
			ID:        id,
			UserID:    userID,
			Amount:    take,
			Type:      model.TransferUnlock,
			Reason:    "principal-rationed unlock",
			Source:    stakeID,
			CreatedAt: e.now().UTC(),
		})
	})
	if err != nil {
		return decimal.Zero, err
	}
	return moved, nil
}

// checkpoint persists the job's sweep progress and refreshes the lease.
func (e *Engine) checkpoint(ctx context.Context, job *model.DistributionJob) error {
	now := e.now().UTC()
	job.Heartbeat = now
	job.LockedUntil = now.Add(e.leaseTTL)
	return e.store.RunTx(ctx, func(tx store.Store) error {
		return tx.UpdateJob(ctx, job)
	})
}

// finishJob marks the job terminal without touching the stake (used for
// the invalid-principal path).
func (e *Engine) finishJob(ctx context.Context, job *model.DistributionJob, reason string, distributed decimal.Decimal, users int) error {
	now := e.now().UTC()
	job.Done = true
	job.Locked = false
	job.Reason = reason
	job.TotalDistributed = distributed
	job.TotalUsers = users
	job.Heartbeat = now
	return e.store.RunTx(ctx, func(tx store.Store) error {
		return tx.UpdateJob(ctx, job)
	})
}

// finalize records the final amounts on the stake and marks the job done
// in one transaction.
func (e *Engine) finalize(ctx context.Context, stakeID string, job *model.DistributionJob, summary *Summary) error {
	now := e.now().UTC()
	return e.store.RunTx(ctx, func(tx store.Store) error {
		stake, err := tx.GetStake(ctx, stakeID)
		if err != nil {
			return err
		}
		stake.DistributionProcessed = true
		stake.DistributedAmount = summary.TotalMoved
		if err := tx.UpdateStake(ctx, stake); err != nil {
			return err
		}

		job.Done = true
		job.Locked = false
		job.Reason = model.ReasonNormal
		job.Cursor = ""
		job.TotalUsers = summary.TotalUsers
		job.TotalDistributed = summary.Distributed
		job.Heartbeat = now
		return tx.UpdateJob(ctx, job)
	})
}

// --- HTTP Handlers ---

// HandleRun handles POST /api/v1/distributions/{stakeID}
// Re-invoking a completed distribution reports success without moving
// money; a concurrent run is rejected with 409.
func (e *Engine) HandleRun(w http.ResponseWriter, r *http.Request) {
	stakeID := chi.URLParam(r, "stakeID")

	summary, err := e.Run(r.Context(), stakeID)
	switch {
	case errors.Is(err, ErrAlreadyCompleted):
		httpx.WriteJSON(w, http.StatusOK, map[string]string{
			"stake_id": stakeID,
			"status":   "already_completed",
		})
		return
	case errors.Is(err, ErrAlreadyLocked):
		httpx.WriteError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrStakeNotFound):
		httpx.WriteError(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		httpx.WriteError(w, "distribution run failed", http.StatusInternalServerError)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, summary)
}
