// Package gate makes the all-or-nothing distribution decision. Every
// artifact of a release batch must verify before a single byte reaches
// any channel; one bad artifact blocks the whole batch.
package gate

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mega-emu/relgate/pkg/channel"
	"github.com/mega-emu/relgate/pkg/journal"
	"github.com/mega-emu/relgate/pkg/lock"
	"github.com/mega-emu/relgate/pkg/observability"
	"github.com/mega-emu/relgate/pkg/verify"
)

// Decision is the gate verdict for a batch.
type Decision string

const (
	DecisionPublished Decision = "published"
	DecisionBlocked   Decision = "blocked"
)

// Failure describes one artifact that kept the batch from publishing.
type Failure struct {
	Artifact string         `json:"artifact"`
	Outcome  verify.Outcome `json:"outcome"`
	Detail   string         `json:"detail,omitempty"`
}

// Publication records one completed channel upload.
type Publication struct {
	Channel  string `json:"channel"`
	Artifact string `json:"artifact"`
}

// Result is the full account of one gate run.
type Result struct {
	ReleaseID  string          `json:"release_id"`
	Version    string          `json:"version"`
	Decision   Decision        `json:"decision"`
	Checked    []verify.Result `json:"checked"`
	Failures   []Failure       `json:"failures,omitempty"`
	Published  []Publication   `json:"published,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Gate verifies a batch and, only on a fully clean batch, publishes it.
type Gate struct {
	verifier *verify.Verifier
	channels []channel.Channel
	router   *Router
	journal  journal.Journal
	lock     lock.Lock
	obs      *observability.Provider
	logger   *slog.Logger

	workers        int
	publishTimeout time.Duration
	publishRetries int
	lockTTL        time.Duration
	clock          func() time.Time
}

// Option tweaks gate construction.
type Option func(*Gate)

// WithJournal records every decision and publish in the audit journal.
func WithJournal(j journal.Journal) Option {
	return func(g *Gate) { g.journal = j }
}

// WithLock serializes concurrent runs for the same release version.
func WithLock(l lock.Lock, ttl time.Duration) Option {
	return func(g *Gate) {
		g.lock = l
		if ttl > 0 {
			g.lockTTL = ttl
		}
	}
}

// WithRouter installs a channel routing policy.
func WithRouter(r *Router) Option {
	return func(g *Gate) { g.router = r }
}

// WithObservability wires spans and metrics around runs.
func WithObservability(p *observability.Provider) Option {
	return func(g *Gate) { g.obs = p }
}

// WithWorkers bounds parallel verification.
func WithWorkers(n int) Option {
	return func(g *Gate) {
		if n > 0 {
			g.workers = n
		}
	}
}

// WithPublishTimeout bounds each channel publish call.
func WithPublishTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.publishTimeout = d
		}
	}
}

// WithPublishRetries sets how many times a failed publish is retried
// on channels that declare their Publish idempotent. Zero disables
// retries entirely.
func WithPublishRetries(n int) Option {
	return func(g *Gate) {
		if n >= 0 {
			g.publishRetries = n
		}
	}
}

// WithClock overrides the timestamp source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// New builds a gate over the given verifier and channel set.
func New(verifier *verify.Verifier, channels []channel.Channel, opts ...Option) *Gate {
	g := &Gate{
		verifier:       verifier,
		channels:       channels,
		logger:         slog.Default().With("component", "gate"),
		workers:        4,
		publishTimeout: 5 * time.Minute,
		publishRetries: 2,
		lockTTL:        10 * time.Minute,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type publishTask struct {
	ch   channel.Channel
	art  channel.Artifact
	name string
}

// Run verifies every artifact and publishes the batch only when all of
// them are valid. A blocked batch is a Result, not an error; errors are
// reserved for infrastructure failures.
//
// Publishing has no rollback. When an upload fails mid-batch, Run
// returns the error together with the partial Result so the caller can
// see exactly which uploads completed.
func (g *Gate) Run(ctx context.Context, rel channel.Release, artifacts []channel.Artifact) (*Result, error) {
	res := &Result{
		ReleaseID: uuid.NewString(),
		Version:   rel.Version,
		Decision:  DecisionBlocked,
		StartedAt: g.clock().UTC(),
	}

	ctx, done := g.track(ctx, "gate.run",
		observability.AttrRelease.String(rel.Version),
		observability.AttrArtifactCount.Int64(int64(len(artifacts))),
	)
	var runErr error
	defer func() { done(runErr) }()

	if g.lock != nil {
		unlock, err := g.lock.Acquire(ctx, "release:"+rel.Version, g.lockTTL)
		if err != nil {
			runErr = fmt.Errorf("gate: acquire release lock: %w", err)
			return nil, runErr
		}
		defer func() { _ = unlock(context.Background()) }()
	}

	paths := make([]string, len(artifacts))
	for i, a := range artifacts {
		paths[i] = a.Path
	}

	items := g.verifier.VerifyAll(ctx, paths, g.workers)
	for _, item := range items {
		if item.Err != nil {
			g.journalDecision(ctx, rel, res, map[string]any{
				"decision": string(DecisionBlocked),
				"cause":    "verification_error",
				"artifact": item.Path,
				"error":    item.Err.Error(),
			})
			runErr = fmt.Errorf("gate: verify %s: %w", item.Path, item.Err)
			return nil, runErr
		}
		res.Checked = append(res.Checked, item.Result)
		g.journalVerification(ctx, rel, item.Result)
		if !item.Result.Valid() {
			res.Failures = append(res.Failures, Failure{
				Artifact: item.Result.Artifact,
				Outcome:  item.Result.Outcome,
				Detail:   item.Result.Detail,
			})
		}
	}

	if len(res.Failures) > 0 {
		res.FinishedAt = g.clock().UTC()
		g.journalDecision(ctx, rel, res, map[string]any{
			"decision": string(DecisionBlocked),
			"checked":  len(res.Checked),
			"failures": res.Failures,
		})
		g.logger.WarnContext(ctx, "release blocked",
			"release", rel.Version, "checked", len(res.Checked), "failures", len(res.Failures))
		return res, nil
	}

	// Routing runs to completion before the first upload so a policy
	// error cannot leave a partial publish behind.
	var plan []publishTask
	for _, ch := range g.channels {
		for _, art := range artifacts {
			name := art.Name
			if name == "" {
				name = art.Path
			}
			ok, err := g.router.Route(name, ch.Name(), rel)
			if err != nil {
				g.journalDecision(ctx, rel, res, map[string]any{
					"decision": string(DecisionBlocked),
					"cause":    "policy_error",
					"error":    err.Error(),
				})
				runErr = err
				return nil, runErr
			}
			if ok {
				plan = append(plan, publishTask{ch: ch, art: art, name: name})
			}
		}
	}

	res.Decision = DecisionPublished
	for _, task := range plan {
		if err := g.publish(ctx, rel, res, task); err != nil {
			res.FinishedAt = g.clock().UTC()
			runErr = err
			return res, runErr
		}
	}

	res.FinishedAt = g.clock().UTC()
	g.journalDecision(ctx, rel, res, map[string]any{
		"decision":     string(DecisionPublished),
		"checked":      len(res.Checked),
		"publications": len(res.Published),
	})
	g.logger.InfoContext(ctx, "release published",
		"release", rel.Version, "artifacts", len(artifacts), "publications", len(res.Published))
	return res, nil
}

// publish uploads one artifact to one channel. Channels that declare
// their Publish idempotent get transient failures retried with
// backoff; everything else fails the batch on the first error.
func (g *Gate) publish(ctx context.Context, rel channel.Release, res *Result, task publishTask) error {
	retries := 0
	if idem, ok := task.ch.(channel.Idempotent); ok && idem.IdempotentPublish() {
		retries = g.publishRetries
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = g.publishOnce(ctx, rel, res, task)
		if err == nil || attempt >= retries || ctx.Err() != nil {
			return err
		}
		g.logger.WarnContext(ctx, "publish failed, retrying",
			"channel", task.ch.Name(), "artifact", task.name, "attempt", attempt+1, "error", err)
		if sleepBackoff(ctx, attempt) != nil {
			return err
		}
	}
}

func (g *Gate) publishOnce(ctx context.Context, rel channel.Release, res *Result, task publishTask) error {
	pubCtx, cancel := context.WithTimeout(ctx, g.publishTimeout)
	defer cancel()

	pubCtx, done := g.track(pubCtx, "channel.publish",
		observability.PublishOperation(task.ch.Name(), rel.Version, task.name)...)

	err := task.ch.Publish(pubCtx, rel, task.art)
	done(err)
	if err != nil {
		return fmt.Errorf("gate: publish %s to %s: %w", task.name, task.ch.Name(), err)
	}

	res.Published = append(res.Published, Publication{Channel: task.ch.Name(), Artifact: task.name})
	g.journalAppend(ctx, journal.EntryChannelPublish, rel.Version, map[string]any{
		"release_id": res.ReleaseID,
		"channel":    task.ch.Name(),
		"artifact":   task.name,
	})
	return nil
}

// sleepBackoff waits out the attempt's backoff window, honoring ctx.
// 100ms, 200ms, 400ms and so on, plus up to 50ms of jitter.
func sleepBackoff(ctx context.Context, attempt int) error {
	d := time.Duration(1<<uint(attempt)) * 100 * time.Millisecond
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Gate) journalVerification(ctx context.Context, rel channel.Release, r verify.Result) {
	g.journalAppend(ctx, journal.EntryVerification, rel.Version, map[string]any{
		"artifact": r.Artifact,
		"outcome":  string(r.Outcome),
		"detail":   r.Detail,
	})
}

func (g *Gate) journalDecision(ctx context.Context, rel channel.Release, res *Result, payload map[string]any) {
	payload["release_id"] = res.ReleaseID
	g.journalAppend(ctx, journal.EntryGateDecision, rel.Version, payload)
}

// journalAppend records an audit entry. Journal failures are logged
// rather than propagated; the journal observes the pipeline, it does
// not gate it.
func (g *Gate) journalAppend(ctx context.Context, typ journal.EntryType, release string, payload map[string]any) {
	if g.journal == nil {
		return
	}
	if _, err := g.journal.Append(ctx, typ, release, payload); err != nil {
		g.logger.ErrorContext(ctx, "journal append failed", "type", string(typ), "error", err)
	}
}

func (g *Gate) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if g.obs == nil {
		return ctx, func(error) {}
	}
	return g.obs.TrackOperation(ctx, name, attrs...)
}
