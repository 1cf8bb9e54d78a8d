// Package snapshotrun orchestrates snapshot runs: build, deliver, mirror,
// log the run, and advance the schedule.
package snapshotrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/filecoin-project/go-clock"
	"golang.org/x/sync/singleflight"

	"github.com/yourorg/assetledger/internal/delivery"
	"github.com/yourorg/assetledger/internal/metrics"
	"github.com/yourorg/assetledger/internal/mirror"
	"github.com/yourorg/assetledger/internal/schedule"
	"github.com/yourorg/assetledger/internal/snapshot"
)

// ErrInvalidRequest rejects a run before anything is built.
var ErrInvalidRequest = errors.New("invalid snapshot request")

// Builder produces bundles. *snapshot.Builder satisfies it.
type Builder interface {
	Build(ctx context.Context) (*snapshot.Bundle, error)
}

type Request struct {
	Trigger   string
	Method    string
	Recipient string
	CreatedBy *int64
}

type Result struct {
	Run        RunLog
	Bundle     *snapshot.Bundle
	Deliveries []delivery.Result
	Mirrors    []mirror.Result
}

type Options struct {
	// Archive are the storage channels (local, object store) attempted on
	// every run.
	Archive []delivery.Channel
	// Mailer is nil when no relay is configured.
	Mailer delivery.Mailer
	// PrimaryChannel decides success for multi-channel runs.
	PrimaryChannel string
	Mirror         *mirror.Log
	Clock          clock.Clock
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

type Runner struct {
	builder    Builder
	dispatcher *delivery.Dispatcher
	runs       *RunStore
	schedules  *schedule.Store
	opts       Options
	sf         singleflight.Group
}

func NewRunner(builder Builder, dispatcher *delivery.Dispatcher, runs *RunStore, schedules *schedule.Store, opts Options) *Runner {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PrimaryChannel == "" {
		opts.PrimaryChannel = delivery.ChannelLocal
	}
	return &Runner{builder: builder, dispatcher: dispatcher, runs: runs, schedules: schedules, opts: opts}
}

// MailConfigured reports whether email delivery is possible.
func (r *Runner) MailConfigured() bool { return r.opts.Mailer != nil }

// plan returns the channels to attempt and the one whose outcome decides
// the run. An empty primary means the bundle itself is the deliverable
// (download).
func (r *Runner) plan(req Request) (channels []delivery.Channel, primary string, err error) {
	channels = append(channels, r.opts.Archive...)
	switch req.Method {
	case MethodDownload:
		return channels, "", nil
	case MethodEmail:
		if r.opts.Mailer == nil {
			return nil, "", fmt.Errorf("%w: SMTP is not configured", ErrInvalidRequest)
		}
		if strings.TrimSpace(req.Recipient) == "" {
			return nil, "", fmt.Errorf("%w: recipient email is required", ErrInvalidRequest)
		}
		channels = append(channels, delivery.EmailChannel{Mailer: r.opts.Mailer, Recipient: req.Recipient})
		return channels, delivery.ChannelEmail, nil
	case MethodMultiChannel:
		if strings.TrimSpace(req.Recipient) != "" {
			if r.opts.Mailer == nil {
				return nil, "", fmt.Errorf("%w: SMTP is not configured", ErrInvalidRequest)
			}
			channels = append(channels, delivery.EmailChannel{Mailer: r.opts.Mailer, Recipient: req.Recipient})
		}
		for _, ch := range channels {
			if ch.Name() == r.opts.PrimaryChannel {
				return channels, r.opts.PrimaryChannel, nil
			}
		}
		return nil, "", fmt.Errorf("%w: primary channel %q is not configured", ErrInvalidRequest, r.opts.PrimaryChannel)
	default:
		return nil, "", fmt.Errorf("%w: unknown delivery method %q", ErrInvalidRequest, req.Method)
	}
}

// Run performs one snapshot run and always logs it once a bundle build was
// attempted. The returned error is set when the build or the primary
// delivery failed; Result.Run is populated in both cases.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}
	logger := r.opts.Logger.With("trigger", req.Trigger, "method", req.Method)
	now := r.opts.Clock.Now().UTC()
	run := RunLog{
		GeneratedAt:    now,
		TriggerType:    req.Trigger,
		DeliveryMethod: req.Method,
		Recipient:      strings.TrimSpace(req.Recipient),
		CreatedBy:      req.CreatedBy,
	}

	channels, primary, err := r.plan(req)
	if err != nil {
		// A manual request is rejected to the operator; a scheduled one has
		// nobody to tell, so the missed window is logged.
		if req.Trigger == TriggerScheduled {
			run.BundleFilename = snapshot.Filename(now)
			run.ManifestSHA256 = snapshot.FailedManifestSHA256
			run.Status = StatusFailed
			run.Message = err.Error()
			r.finish(ctx, &run, now)
			return Result{Run: run}, err
		}
		return Result{}, err
	}

	bundle, err := r.builder.Build(ctx)
	if err != nil {
		run.BundleFilename = snapshot.Filename(now)
		run.ManifestSHA256 = snapshot.FailedManifestSHA256
		run.Status = StatusFailed
		run.Message = err.Error()
		logger.Error("snapshot build failed", "error", err)
		r.finish(ctx, &run, now)
		return Result{Run: run}, err
	}
	run.BundleFilename = bundle.Filename
	run.ManifestSHA256 = bundle.ManifestSHA256

	deliveries := r.dispatcher.Deliver(ctx, bundle, channels)
	mirrors := r.mirror(ctx, bundle, deliveries, now)

	warnings := append([]string(nil), bundle.Warnings...)
	var primaryErr error
	for _, d := range deliveries {
		if d.Err == nil {
			continue
		}
		if d.Channel == primary {
			primaryErr = d.Err
			continue
		}
		warnings = append(warnings, warningFor(d.Channel, d.Err))
	}
	for _, m := range mirrors {
		if m.Err != nil {
			warnings = append(warnings, fmt.Sprintf("Mirror log %s failed: %v", m.Channel, m.Err))
		}
	}

	if primaryErr != nil {
		run.Status = StatusFailed
		run.Message = primaryErr.Error()
	} else {
		run.Status = StatusSuccess
		run.Message = successMessage(req)
	}
	if len(warnings) > 0 {
		run.Message += " Storage warnings: " + strings.Join(warnings, "; ")
	}
	r.finish(ctx, &run, now)

	res := Result{Run: run, Bundle: bundle, Deliveries: deliveries, Mirrors: mirrors}
	if primaryErr != nil {
		return res, primaryErr
	}
	return res, nil
}

func (r *Runner) finish(ctx context.Context, run *RunLog, now time.Time) {
	if err := r.runs.Create(ctx, run); err != nil {
		r.opts.Logger.Error("SNAPSHOT RUN LOG WRITE FAILED", "bundle", run.BundleFilename, "status", run.Status, "error", err)
	}
	if run.TriggerType == TriggerScheduled && run.Status == StatusSuccess && r.schedules != nil {
		if err := r.schedules.MarkRun(ctx, now); err != nil {
			r.opts.Logger.Error("schedule last_run_at not updated", "error", err)
		}
	}
	r.opts.Metrics.SnapshotRun(run.TriggerType, run.Status)
	r.opts.Logger.Info("snapshot run finished",
		"bundle", run.BundleFilename,
		"status", run.Status,
		"manifestSha256", run.ManifestSHA256,
	)
}

func (r *Runner) mirror(ctx context.Context, bundle *snapshot.Bundle, deliveries []delivery.Result, now time.Time) []mirror.Result {
	if r.opts.Mirror == nil {
		return nil
	}
	row := mirror.Row{
		Timestamp:        now,
		SnapshotFilename: bundle.Filename,
		ZipSHA256:        bundle.ArchiveSHA256,
		ManifestSHA256:   bundle.ManifestSHA256,
	}
	if d, ok := delivery.Find(deliveries, delivery.ChannelObjectStore); ok && d.Err == nil {
		row.RemoteZipID = d.Receipt.Locations[delivery.ArtifactZip]
		row.RemoteManifestCSVID = d.Receipt.Locations[delivery.ArtifactManifestCSV]
		row.RemoteManifestPDFID = d.Receipt.Locations[delivery.ArtifactManifestPDF]
	}
	if d, ok := delivery.Find(deliveries, delivery.ChannelLocal); ok && d.Err == nil {
		row.LocalZipPath = d.Receipt.Locations[delivery.ArtifactZip]
		row.LocalManifestCSVPath = d.Receipt.Locations[delivery.ArtifactManifestCSV]
		row.LocalManifestPDFPath = d.Receipt.Locations[delivery.ArtifactManifestPDF]
	}
	return r.opts.Mirror.AppendAll(ctx, row)
}

func warningFor(channel string, err error) string {
	switch channel {
	case delivery.ChannelLocal:
		return "Local output failed: " + err.Error()
	case delivery.ChannelObjectStore:
		return "Object store upload failed: " + err.Error()
	case delivery.ChannelEmail:
		return "Email failed: " + err.Error()
	}
	return channel + " failed: " + err.Error()
}

func successMessage(req Request) string {
	prefix := "Manual"
	if req.Trigger == TriggerScheduled {
		prefix = "Scheduled"
	}
	switch req.Method {
	case MethodDownload:
		return prefix + " snapshot downloaded."
	case MethodEmail:
		return prefix + " snapshot emailed."
	}
	return prefix + " snapshot delivered."
}

// RunScheduledIfDue fires the scheduled snapshot when its window is due.
// Concurrent callers share one evaluation.
func (r *Runner) RunScheduledIfDue(ctx context.Context) (bool, string, error) {
	type outcome struct {
		ran     bool
		message string
	}
	v, err, _ := r.sf.Do(schedule.TypeAuditSnapshot, func() (any, error) {
		cfg, err := r.schedules.Get(ctx)
		if err != nil {
			return outcome{}, err
		}
		if !cfg.Enabled || strings.TrimSpace(cfg.RecipientEmail) == "" {
			return outcome{message: "No enabled audit snapshot schedule."}, nil
		}
		decision := schedule.Evaluate(cfg, r.opts.Clock.Now())
		if !decision.Due {
			return outcome{message: decision.Reason}, nil
		}
		if _, err := r.Run(ctx, Request{Trigger: TriggerScheduled, Method: MethodEmail, Recipient: cfg.RecipientEmail}); err != nil {
			return outcome{message: err.Error()}, err
		}
		return outcome{ran: true, message: "Scheduled snapshot sent."}, nil
	})
	o, _ := v.(outcome)
	return o.ran, o.message, err
}
