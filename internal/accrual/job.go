// Package accrual implements the daily interest batch job.
//
// Each active stake earns one day of return per UTC calendar date. The
// stake's LastProcessedDate is the gate: it is re-checked inside the
// per-stake transaction, so re-running the job on the same date (or two
// schedulers racing) credits each stake exactly once. Per-stake failures
// are isolated and logged; the failed stake simply accrues on the next
// run because its date was never advanced.
package accrual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/earnbase/stake-engine/internal/httpx"
	"github.com/earnbase/stake-engine/internal/metrics"
	"github.com/earnbase/stake-engine/internal/model"
	"github.com/earnbase/stake-engine/internal/money"
	"github.com/earnbase/stake-engine/internal/store"
	"github.com/earnbase/stake-engine/internal/stream"
)

// DefaultPageSize is how many stakes one page of the scan covers.
const DefaultPageSize = 500

// ErrInvalidDate is returned when the run date is not a YYYY-MM-DD
// calendar date.
var ErrInvalidDate = errors.New("accrual: run date must be YYYY-MM-DD")

// Job runs the daily accrual scan.
type Job struct {
	store    store.Store
	params   *money.Params
	hub      *stream.Hub
	pageSize int
}

// NewJob creates the daily accrual job.
// Pass nil for hub if event broadcasting is not needed.
func NewJob(st store.Store, params *money.Params, hub *stream.Hub) *Job {
	return &Job{store: st, params: params, hub: hub, pageSize: DefaultPageSize}
}

// Report summarizes one accrual run.
type Report struct {
	RunDate      string          `json:"run_date"`
	Processed    int             `json:"processed"`
	Skipped      int             `json:"skipped"`
	Failed       int             `json:"failed"`
	Completed    int             `json:"completed"`
	TotalAccrued decimal.Decimal `json:"total_accrued"`
}

// Run credits one day of return to every active stake not yet processed
// for runDate. Running it twice on the same date is a safe no-op for
// every stake. Stakes are scanned in (remaining_days, id) order with
// keyset pagination, so processed rows, whose remaining_days drop below
// the cursor, are never revisited within the run.
func (j *Job) Run(ctx context.Context, runDate string) (*Report, error) {
	if _, err := time.Parse(model.DateLayout, runDate); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, runDate)
	}

	start := time.Now()
	report := &Report{RunDate: runDate, TotalAccrued: decimal.Zero}

	var cursor store.AccrualCursor
	for {
		page, err := j.store.ListAccruableStakes(ctx, cursor, j.pageSize)
		if err != nil {
			return report, fmt.Errorf("list accruable stakes: %w", err)
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			stake := &page[i]
			if stake.LastProcessedDate == runDate {
				report.Skipped++
				continue
			}

			accrued, completed, err := j.accrueOne(ctx, stake.ID, runDate)
			if err != nil {
				// Isolated: the stake retries on the next scheduled run.
				report.Failed++
				metrics.AccrualFailures.Inc()
				slog.Error("stake accrual failed",
					"stake", stake.ID, "run_date", runDate, "err", err)
				continue
			}
			if accrued.IsZero() {
				report.Skipped++
				continue
			}

			report.Processed++
			report.TotalAccrued = report.TotalAccrued.Add(accrued)
			if completed {
				report.Completed++
			}
			metrics.AccrualPayouts.Inc()
		}

		last := page[len(page)-1]
		cursor = store.AccrualCursor{RemainingDays: last.RemainingDays, ID: last.ID}
		if len(page) < j.pageSize {
			break
		}
	}

	metrics.AccrualRunDuration.Observe(time.Since(start).Seconds())
	slog.Info("accrual run finished",
		"run_date", runDate,
		"processed", report.Processed,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"completed", report.Completed,
		"total_accrued", report.TotalAccrued.String(),
	)
	return report, nil
}

// accrueOne applies one day of return to one stake in a single
// transaction. The date and remaining-days guards are re-checked on the
// locked row, which closes the race between a retry and a previous
// partial success. Returns the amount credited (zero if the guards
// skipped it) and whether the stake completed.
func (j *Job) accrueOne(ctx context.Context, stakeID, runDate string) (decimal.Decimal, bool, error) {
	accrued := decimal.Zero
	completed := false

	err := j.store.RunTx(ctx, func(tx store.Store) error {
		stake, err := tx.GetStake(ctx, stakeID)
		if err != nil {
			return err
		}
		if stake.LastProcessedDate == runDate || stake.RemainingDays <= 0 || stake.Status != model.StakeActive {
			return nil // already handled for this date
		}

		user, err := tx.GetUser(ctx, stake.UserID)
		if err != nil {
			return err
		}

		daily := j.params.DailyReturn(stake.Principal)
		user.ReturnsWallet = user.ReturnsWallet.Add(daily)
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}

		stake.EarnedSoFar = stake.EarnedSoFar.Add(daily)
		stake.RemainingDays--
		stake.LastProcessedDate = runDate
		if stake.RemainingDays == 0 {
			stake.Status = model.StakeCompleted
			completed = true
		}
		if err := tx.UpdateStake(ctx, stake); err != nil {
			return err
		}

		accrued = daily
		return nil
	})
	if err != nil {
		return decimal.Zero, false, err
	}

	if accrued.IsPositive() {
		j.hub.Publish(stream.Event{
			Type:    stream.EventAccrualPaid,
			StakeID: stakeID,
			Amount:  accrued.String(),
			Date:    runDate,
		})
	}
	return accrued, completed, nil
}

// --- HTTP Handlers ---

type runRequest struct {
	RunDate string `json:"run_date"`
}

// HandleRun handles POST /api/v1/accrual/run
// The run date defaults to today (UTC) when the body omits it.
func (j *Job) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.WriteError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	if req.RunDate == "" {
		req.RunDate = time.Now().UTC().Format(model.DateLayout)
	}

	report, err := j.Run(r.Context(), req.RunDate)
	switch {
	case errors.Is(err, ErrInvalidDate):
		httpx.WriteError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		slog.Error("accrual run failed", "run_date", req.RunDate, "err", err)
		httpx.WriteError(w, "accrual run failed", http.StatusInternalServerError)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, report)
}
