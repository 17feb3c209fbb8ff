package main

import (
	"context"
	"time"

	"github.com/go-telegram/bot"
	"go.uber.org/zap"
)

type AdmissionOutcome string

const (
	// AdmissionQueued: the tenant collects requests; a pending row was stored.
	AdmissionQueued AdmissionOutcome = "queued"
	// AdmissionApproved: the request was approved; Greeting holds the DM result.
	AdmissionApproved AdmissionOutcome = "approved"
	// AdmissionApproveFailed: the approve call was refused; nothing else happened.
	AdmissionApproveFailed AdmissionOutcome = "approve_failed"
)

type AdmissionResult struct {
	Outcome  AdmissionOutcome
	Greeting DeliveryResult
}

type SweepResult struct {
	Approved int
	Failed   int
}

// AdmissionController decides, per join request, between approving at once and
// queueing for the owner's batch approval.
type AdmissionController struct {
	settings   *SettingsStore
	pending    *PendingStore
	delivery   *GreetingDelivery
	sweepDelay time.Duration
	metrics    *Metrics
	log        *zap.Logger
}

func NewAdmissionController(settings *SettingsStore, pending *PendingStore, delivery *GreetingDelivery, sweepDelay time.Duration, metrics *Metrics, log *zap.Logger) *AdmissionController {
	return &AdmissionController{
		settings:   settings,
		pending:    pending,
		delivery:   delivery,
		sweepDelay: sweepDelay,
		metrics:    metrics,
		log:        log.Named("admission"),
	}
}

// HandleJoinRequest applies the tenant's current mode to one join request.
// Only storage failures are returned as errors.
func (a *AdmissionController) HandleJoinRequest(ctx context.Context, tb *TenantBot, chatID, userID int64) (AdmissionResult, error) {
	log := a.log.With(tenantField(tb.TenantID), zap.Int64("chat_id", chatID), zap.Int64("user_id", userID))

	collecting, err := a.settings.CollectRequests(ctx, tb.TenantID)
	if err != nil {
		return AdmissionResult{}, err
	}
	if collecting {
		if _, err := a.pending.Add(ctx, tb.TenantID, chatID, userID); err != nil {
			return AdmissionResult{}, err
		}
		a.metrics.Admissions.WithLabelValues(string(AdmissionQueued)).Inc()
		log.Debug("join request queued")
		return AdmissionResult{Outcome: AdmissionQueued}, nil
	}

	if err := approve(ctx, tb, chatID, userID); err != nil {
		a.metrics.Admissions.WithLabelValues(string(AdmissionApproveFailed)).Inc()
		log.Debug("approve failed", zap.Error(err))
		return AdmissionResult{Outcome: AdmissionApproveFailed}, nil
	}
	a.metrics.Admissions.WithLabelValues(string(AdmissionApproved)).Inc()

	greeting, err := a.delivery.Deliver(ctx, tb, userID, GreetingHello)
	if err != nil {
		log.Error("hello greeting lookup failed", zap.Error(err))
	}
	return AdmissionResult{Outcome: AdmissionApproved, Greeting: greeting}, nil
}

func approve(ctx context.Context, tb *TenantBot, chatID, userID int64) error {
	_, err := tb.Client.ApproveChatJoinRequest(ctx, &bot.ApproveChatJoinRequestParams{
		ChatID: chatID,
		UserID: userID,
	})
	return err
}

// RunCollectionSweep approves up to limit queued requests, oldest first, one
// at a time with a fixed gap between rows. Row failures are recorded on the row
// and counted; only the initial listing and context cancellation end the sweep
// early.
func (a *AdmissionController) RunCollectionSweep(ctx context.Context, tb *TenantBot, limit int) (SweepResult, error) {
	var res SweepResult
	log := a.log.With(tenantField(tb.TenantID))

	rows, err := a.pending.ListNew(ctx, tb.TenantID, limit)
	if err != nil {
		return res, err
	}

	// Row outcomes are recorded even after cancellation.
	record := context.WithoutCancel(ctx)
	throttle := newSweepThrottle(a.sweepDelay)
	for _, row := range rows {
		if err := throttle.Wait(ctx); err != nil {
			log.Warn("collection sweep interrupted", zap.Error(err), zap.Int("approved", res.Approved), zap.Int("failed", res.Failed))
			return res, err
		}

		if err := approve(ctx, tb, row.ChatID, row.UserID); err != nil {
			res.Failed++
			a.metrics.SweepRows.WithLabelValues("failed").Inc()
			if markErr := a.pending.MarkFailed(record, row.ID, err.Error()); markErr != nil {
				log.Error("failed to record sweep failure", zap.Uint("request_id", row.ID), zap.Error(markErr))
			}
			continue
		}

		res.Approved++
		a.metrics.SweepRows.WithLabelValues("approved").Inc()
		greeting, derr := a.delivery.Deliver(ctx, tb, row.UserID, GreetingHello)
		if derr != nil {
			log.Error("hello greeting lookup failed", zap.Uint("request_id", row.ID), zap.Error(derr))
		}
		if markErr := a.pending.MarkApproved(record, row.ID, greeting.Delivered()); markErr != nil {
			log.Error("failed to record sweep approval", zap.Uint("request_id", row.ID), zap.Error(markErr))
		}
	}

	log.Info("collection sweep finished", zap.Int("approved", res.Approved), zap.Int("failed", res.Failed))
	return res, nil
}
