package sweep

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/rafflrhq/rafflr/app/models"
	"github.com/rafflrhq/rafflr/internal/pkg/cache"
	"github.com/rafflrhq/rafflr/internal/pkg/payment"
)

const (
	leaseKey = "sweep:subscriptions:lease"
	leaseTTL = 10 * time.Minute

	defaultBatchSize = 500
)

// Result summarizes one sweep run.
type Result struct {
	Scanned     int
	Transitions int
	Failed      int
	Skipped     bool // another instance held the lease
}

// Runner walks lapsed subscriptions and applies period-elapsed transitions
// through the payment service. A redis lease keeps concurrent deployments
// from double-running the sweep.
type Runner struct {
	svc       *payment.Service
	batchSize int
}

func NewRunner(svc *payment.Service) *Runner {
	return &Runner{svc: svc, batchSize: defaultBatchSize}
}

// RunOnce performs a single sweep pass. Per-subscription failures are logged
// and counted without aborting the batch.
func (r *Runner) RunOnce(ctx context.Context) (Result, error) {
	got, err := cache.AcquireLease(leaseKey, leaseTTL)
	if err != nil {
		return Result{}, err
	}
	if !got {
		log.Info("[Sweep] Lease held elsewhere, skipping run")
		return Result{Skipped: true}, nil
	}
	defer cache.ReleaseLease(leaseKey)

	now := time.Now()
	subs, err := r.svc.Repo().ListLapsedSubscriptions(now, r.batchSize)
	if err != nil {
		return Result{}, err
	}

	res := Result{Scanned: len(subs)}
	for i := range subs {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		default:
		}

		changed, err := r.svc.ApplyPeriodElapsed(&subs[i], now)
		if err != nil {
			res.Failed++
			log.Errorf("[Sweep] Subscription %d: %v", subs[i].ID, err)
			continue
		}
		if changed {
			res.Transitions++
		}
	}

	log.Infof("[Sweep] Done: scanned=%d transitions=%d failed=%d", res.Scanned, res.Transitions, res.Failed)
	return res, nil
}

// PlannedTransition pairs a subscription with the status the sweep would move
// it to.
type PlannedTransition struct {
	SubscriptionID uint
	FromStatus     string
	ToStatus       string
}

// ComputeTransitions evaluates the period-elapsed rule against a batch
// without touching storage. Used for dry runs and tests.
func ComputeTransitions(subs []models.Subscription, now time.Time) []PlannedTransition {
	ev := &payment.NormalizedEvent{Kind: payment.EventPeriodElapsed}
	var out []PlannedTransition
	for i := range subs {
		tr, err := payment.Decide(&subs[i], ev, now)
		if err != nil || tr == nil {
			continue
		}
		out = append(out, PlannedTransition{
			SubscriptionID: subs[i].ID,
			FromStatus:     subs[i].Status,
			ToStatus:       tr.NextStatus,
		})
	}
	return out
}
