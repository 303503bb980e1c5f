// Package bulk orchestrates the pay-and-submit action over a list-view
// selection: classify the selection, capture the user's intent for
// unmarked entries, authorize the batch once, execute, and report which
// entries failed. Rendering is behind the Interactor and ListView ports.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alovak/payout-gate/gate/models"
	"github.com/alovak/payout-gate/internal/authflow"
	"github.com/alovak/payout-gate/internal/classify"
	"github.com/alovak/payout-gate/internal/realtime"
	"github.com/google/uuid"
	"golang.org/x/exp/slog"
)

// Gateway executes the authorized batch on the server.
type Gateway interface {
	BulkPayAndSubmit(ctx context.Context, authID string, docnames []string, markOnlinePayment bool, taskID string) ([]string, error)
}

// Authorizer runs the challenge/response flow for the batch.
type Authorizer interface {
	Authorize(ctx context.Context, entries []string, collector authflow.ResponseCollector) (string, error)
}

// ListView is the selection surface. The orchestrator is the sole writer
// of the list-update flag while a batch is in flight.
type ListView interface {
	CheckedItems() []models.PaymentEntry
	ClearChecked()
	SetListUpdateDisabled(disabled bool)
	Refresh()
}

// Intent is the user's decision on the confirm step.
type Intent struct {
	// MarkOnlinePayment pulls unmarked entries into the batch. Only
	// editable when unmarked entries exist; defaults to true then.
	MarkOnlinePayment bool
	Confirmed         bool
}

// Interactor renders the orchestrator's interaction points.
type Interactor interface {
	// InvalidSelection reports that nothing in the selection is eligible;
	// ineligible entries are listed for visibility only.
	InvalidSelection(ineligible []classify.Ineligible)
	// ConfirmSelection presents the three buckets and captures intent.
	ConfirmSelection(result classify.Result) Intent
	Collector() authflow.ResponseCollector
	ShowAlert(message string)
	ReportError(message string)
	Progress(p realtime.Progress)
	PlaySuccess()
}

// TaskFeed is the out-of-band progress channel for one submission task.
type TaskFeed interface {
	Subscribe(taskID string) <-chan realtime.Progress
	Unsubscribe(taskID string)
}

// Orchestrator drives one bulk pay-and-submit action at a time.
type Orchestrator struct {
	gate   Gateway
	auth   Authorizer
	view   ListView
	ui     Interactor
	feed   TaskFeed
	logger *slog.Logger

	newTaskID func() string
}

func New(gate Gateway, auth Authorizer, view ListView, ui Interactor, feed TaskFeed, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		gate:      gate,
		auth:      auth,
		view:      view,
		ui:        ui,
		feed:      feed,
		logger:    logger.With(slog.String("component", "bulk-orchestrator")),
		newTaskID: newTaskID,
	}
}

// PayAndSubmit runs the whole action for the current selection. Aborts
// (nothing eligible, declined intent, denied or cancelled authorization)
// return nil: they are surfaced inline, never as errors.
func (o *Orchestrator) PayAndSubmit(ctx context.Context) error {
	selection := o.view.CheckedItems()
	result := classify.Partition(selection)

	if !result.HasEligible() {
		o.ui.InvalidSelection(result.Ineligible)
		return nil
	}

	intent := o.ui.ConfirmSelection(result)
	if !intent.Confirmed {
		return nil
	}

	unmarked := result.Unmarked
	if !intent.MarkOnlinePayment {
		unmarked = nil
	}
	if len(result.Marked) == 0 && len(unmarked) == 0 {
		o.view.ClearChecked()
		o.ui.ShowAlert("No payment entries to pay and submit.")
		return nil
	}

	// Marked first, then unmarked: the execution order is fixed.
	docnames := make([]string, 0, len(result.Marked)+len(unmarked))
	docnames = append(docnames, result.Marked...)
	docnames = append(docnames, unmarked...)

	// Suppress list refreshes while rows are in flight; restored on every
	// exit path.
	o.view.SetListUpdateDisabled(true)
	defer o.view.SetListUpdateDisabled(false)

	authID, err := o.auth.Authorize(ctx, docnames, o.ui.Collector())
	if err != nil {
		if errors.Is(err, authflow.ErrDenied) || errors.Is(err, authflow.ErrCancelled) {
			return nil
		}
		return fmt.Errorf("authorizing batch: %w", err)
	}

	return o.execute(ctx, authID, docnames, intent.MarkOnlinePayment)
}

func (o *Orchestrator) execute(ctx context.Context, authID string, docnames []string, markOnlinePayment bool) error {
	taskID := o.newTaskID()
	ch := o.feed.Subscribe(taskID)
	defer o.feed.Unsubscribe(taskID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range ch {
			o.ui.Progress(p)
		}
	}()

	o.ui.ShowAlert(fmt.Sprintf("Pay and Submitting %d Payment Entry...", len(docnames)))

	failed, err := o.gate.BulkPayAndSubmit(ctx, authID, docnames, markOnlinePayment, taskID)

	o.feed.Unsubscribe(taskID)
	<-done

	if err != nil {
		o.logger.Error("bulk pay and submit", slog.Any("err", err))
		o.ui.ReportError("Something went wrong while submitting. Please check the entries.")
		return fmt.Errorf("bulk pay and submit: %w", err)
	}

	if len(failed) > 0 {
		o.ui.ReportError(fmt.Sprintf("Cannot pay and submit %s.", strings.Join(failed, ", ")))
		return nil
	}

	o.ui.PlaySuccess()
	o.view.ClearChecked()
	o.view.Refresh()
	return nil
}

// newTaskID returns a short correlation handle for the progress feed.
func newTaskID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:5]
}
