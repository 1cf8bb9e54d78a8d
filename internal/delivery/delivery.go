// Package delivery fans a built snapshot out to its destinations. Channels
// are attempted independently; one failing never stops the others.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yourorg/assetledger/internal/metrics"
	"github.com/yourorg/assetledger/internal/snapshot"
)

const (
	ChannelLocal       = "local"
	ChannelObjectStore = "object_store"
	ChannelEmail       = "email"
)

var (
	// ErrDeliveryFailure wraps a single channel's failed attempt.
	ErrDeliveryFailure = errors.New("delivery failed")
	// ErrNotConfigured means a channel lacks required settings. It is a
	// configuration error, not a transient failure.
	ErrNotConfigured = errors.New("delivery channel not configured")
)

// Artifact keys used in Receipt.Locations.
const (
	ArtifactZip         = "zip"
	ArtifactManifestCSV = "manifest_csv"
	ArtifactManifestPDF = "manifest_pdf"
)

// Receipt maps each delivered artifact to where it landed (a path, an
// object id, a recipient).
type Receipt struct {
	Locations map[string]string
}

// Channel is one delivery destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, bundle *snapshot.Bundle) (Receipt, error)
}

// Result is one channel's outcome. Identifier is empty when Err is set.
type Result struct {
	Channel    string
	Identifier string
	Receipt    Receipt
	Err        error
}

type Dispatcher struct {
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher returns a Dispatcher. timeout bounds each channel attempt;
// zero leaves it to the channel.
func NewDispatcher(timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{timeout: timeout, logger: logger, metrics: m}
}

// Deliver attempts every channel concurrently and returns one Result per
// channel in the order given.
func (d *Dispatcher) Deliver(ctx context.Context, bundle *snapshot.Bundle, channels []Channel) []Result {
	results := make([]Result, len(channels))
	var g errgroup.Group
	for i, ch := range channels {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = d.attempt(ctx, bundle, ch)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) attempt(ctx context.Context, bundle *snapshot.Bundle, ch Channel) (res Result) {
	res.Channel = ch.Name()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			res.Err = fmt.Errorf("%w: %s: panic: %v", ErrDeliveryFailure, res.Channel, p)
		}
		if res.Err != nil {
			d.metrics.DeliveryFailed(res.Channel)
			d.logger.Warn("snapshot delivery failed", "channel", res.Channel, "bundle", bundle.Filename, "error", res.Err)
		}
	}()

	receipt, err := ch.Deliver(ctx, bundle)
	if err != nil {
		if !errors.Is(err, ErrDeliveryFailure) {
			err = fmt.Errorf("%w: %s: %w", ErrDeliveryFailure, res.Channel, err)
		}
		res.Err = err
		return res
	}
	res.Receipt = receipt
	res.Identifier = receipt.Locations[ArtifactZip]
	d.logger.Info("snapshot delivered", "channel", res.Channel, "bundle", bundle.Filename, "location", res.Identifier)
	return res
}

// Find returns the result for channel, if attempted.
func Find(results []Result, channel string) (Result, bool) {
	for _, r := range results {
		if r.Channel == channel {
			return r, true
		}
	}
	return Result{}, false
}
