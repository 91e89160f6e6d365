package futures

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
)

// Logger is the minimal structured logging interface the executor emits
// through. It is satisfied by the module's slog wrapper; the default is a
// no-op.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, args ...any) {}
func (noopLogger) Info(msg string, args ...any)  {}
func (noopLogger) Warn(msg string, args ...any)  {}
func (noopLogger) Error(msg string, args ...any) {}

// JobLog is a per-request side-channel log artifact. Workers append to it
// while the request runs so the artifact is up to date before the future
// resolves.
type JobLog interface {
	Section(name string)
	Lines(lines ...string)
	Close() error
}

// JobLogFactory opens the log artifact for a future at the moment a
// worker picks it up. Returning an error disables logging for that
// request only.
type JobLogFactory func(f *Future) (JobLog, error)

// Options configures an Executor.
type Options struct {
	// MaxWorkers bounds the number of requests that are simultaneously
	// past submission and not yet resolved. Default: 1.
	MaxWorkers int

	// Defaults is merged into every submitted spec; explicit parameters
	// win over defaults.
	Defaults map[string]string

	// PollInterval is the sleep between remote status polls. A policy
	// knob, not a correctness parameter. Default: 10s.
	PollInterval time.Duration

	// Validate, if set, runs against the merged spec before enqueueing.
	// A validation failure is the only way Submit reports an error
	// besides ErrShutdown.
	Validate func(spec map[string]string) error

	// JobLogs, if set, opens a log artifact per processed request.
	JobLogs JobLogFactory

	// Logger receives operational log output. Default: discard.
	Logger Logger
}

// Option mutates Options.
type Option func(*Options)

func WithMaxWorkers(n int) Option {
	return func(o *Options) { o.MaxWorkers = n }
}

func WithDefaults(defaults map[string]string) Option {
	return func(o *Options) { o.Defaults = maps.Clone(defaults) }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *Options) { o.PollInterval = d }
}

func WithValidator(fn func(spec map[string]string) error) Option {
	return func(o *Options) { o.Validate = fn }
}

func WithJobLogs(factory JobLogFactory) Option {
	return func(o *Options) { o.JobLogs = factory }
}

func WithLogger(l Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Executor runs submitted requests on a fixed pool of workers. Each worker
// drives one request at a time through submit, poll and fetch against the
// adapter, so at most MaxWorkers requests are in flight on the remote
// service regardless of how many are queued locally.
type Executor struct {
	adapter Adapter
	opts    Options
	queue   *submissionQueue
	futures *haxmap.Map[string, *Future]
	wg      sync.WaitGroup

	mu   sync.Mutex
	shut bool
}

// New starts an executor with MaxWorkers workers. The workers run until
// Shutdown is called.
func New(adapter Adapter, options ...Option) (*Executor, error) {
	if adapter == nil {
		return nil, errors.New("futures: adapter must not be nil")
	}
	opts := Options{
		MaxWorkers:   1,
		PollInterval: 10 * time.Second,
		Logger:       noopLogger{},
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.MaxWorkers < 1 {
		return nil, fmt.Errorf("futures: max workers must be >= 1, got %d", opts.MaxWorkers)
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	e := &Executor{
		adapter: adapter,
		opts:    opts,
		queue:   newSubmissionQueue(),
		futures: haxmap.New[string, *Future](),
	}
	for range opts.MaxWorkers {
		e.wg.Go(e.worker)
	}
	return e, nil
}

// Submit merges the configured defaults into spec, validates the result
// and enqueues it for processing. It returns the future immediately and
// never blocks on the remote service. target is the local destination of
// the request output.
func (e *Executor) Submit(spec map[string]string, target string) (*Future, error) {
	merged := maps.Clone(e.opts.Defaults)
	if merged == nil {
		merged = make(map[string]string, len(spec))
	}
	maps.Copy(merged, spec)
	if e.opts.Validate != nil {
		if err := e.opts.Validate(merged); err != nil {
			return nil, err
		}
	}
	f := newFuture(merged, target)
	if err := e.queue.Enqueue(f); err != nil {
		return nil, err
	}
	e.futures.Set(f.ID().String(), f)
	e.opts.Logger.Debug("Request enqueued", "future_id", f.ID().String(), "target", target, "queued", e.queue.Len())
	return f, nil
}

// Futures returns a snapshot of all futures this executor has accepted,
// in no particular order.
func (e *Executor) Futures() []*Future {
	out := make([]*Future, 0, e.futures.Len())
	e.futures.ForEach(func(_ string, f *Future) bool {
		out = append(out, f)
		return true
	})
	return out
}

// Shutdown stops accepting submissions. Requests still queued and not yet
// picked up by a worker resolve as cancelled without ever reaching the
// remote service; requests already in flight run to completion. If wait
// is true, Shutdown blocks until all workers have exited.
func (e *Executor) Shutdown(wait bool) {
	e.mu.Lock()
	already := e.shut
	e.shut = true
	e.mu.Unlock()
	if !already {
		dropped := e.queue.Close()
		for _, f := range dropped {
			f.markCancelled()
		}
		e.opts.Logger.Info("Executor shutting down", "cancelled_queued", len(dropped))
	}
	if wait {
		e.wg.Wait()
	}
}

func (e *Executor) worker() {
	for {
		f, ok := e.queue.Dequeue()
		if !ok {
			return
		}
		e.process(f)
	}
}

// process drives a single future to a terminal state. Nothing the adapter
// does may take the worker down with it: errors resolve the future as
// errored and a panicking adapter is caught the same way, since a dead
// worker would silently shrink pool capacity.
func (e *Executor) process(f *Future) {
	defer func() {
		if r := recover(); r != nil {
			e.opts.Logger.Error("Adapter panicked", "future_id", f.ID().String(), "panic", fmt.Sprintf("%v", r))
			f.fail(fmt.Errorf("futures: adapter panic: %v", r))
		}
	}()

	if !f.claim() {
		e.opts.Logger.Debug("Skipping cancelled request", "future_id", f.ID().String())
		return
	}

	log := e.openJobLog(f)
	defer e.finishJobLog(log, f)

	ctx := context.Background()

	handle, err := e.adapter.Submit(ctx, f.Spec())
	if err != nil {
		e.opts.Logger.Error("Submission failed", "future_id", f.ID().String(), "error", err)
		f.fail(err)
		return
	}
	f.setSubmitted(handle)
	e.opts.Logger.Info("Request submitted", "future_id", f.ID().String(), "handle", string(handle))

	for {
		if f.cancelRequested() {
			if err := e.adapter.Cancel(ctx, handle); err != nil {
				e.opts.Logger.Warn("Remote cancel failed", "handle", string(handle), "error", err)
			}
			f.markCancelled()
			return
		}

		update, err := e.adapter.Poll(ctx, handle)
		if err != nil {
			e.opts.Logger.Error("Poll failed", "handle", string(handle), "error", err)
			f.fail(err)
			return
		}
		if log != nil && len(update.Messages) > 0 {
			log.Lines(update.Messages...)
		}

		switch update.Status {
		case JobStatusQueued, JobStatusActive:
			f.setActive()
		case JobStatusComplete:
			f.setFetching()
			result, err := e.adapter.Fetch(ctx, handle, f.Target())
			if err != nil {
				e.opts.Logger.Error("Fetch failed", "handle", string(handle), "error", err)
				f.fail(err)
				return
			}
			f.resolve(result)
			e.opts.Logger.Info("Request complete", "handle", string(handle), "target", result.Path, "size", result.Size)
			return
		case JobStatusFailed:
			f.fail(&RemoteError{Handle: handle, Reason: strings.Join(update.Messages, "\n")})
			return
		default:
			f.fail(&AdapterError{Op: "poll", Err: fmt.Errorf("unknown remote status %q", update.Status)})
			return
		}

		timer := time.NewTimer(e.opts.PollInterval)
		select {
		case <-timer.C:
		case <-f.cancelReq:
			timer.Stop()
		}
	}
}

// openJobLog opens the per-request artifact and writes the request header.
func (e *Executor) openJobLog(f *Future) JobLog {
	if e.opts.JobLogs == nil {
		return nil
	}
	log, err := e.opts.JobLogs(f)
	if err != nil {
		e.opts.Logger.Warn("Cannot open job log", "future_id", f.ID().String(), "error", err)
		return nil
	}
	log.Section("REQUEST")
	log.Lines("Target: " + f.Target())
	spec := f.Spec()
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		log.Lines(fmt.Sprintf("%s = %s", k, spec[k]))
	}
	log.Section("SERVER")
	return log
}

// finishJobLog writes the summary sections and closes the artifact.
func (e *Executor) finishJobLog(log JobLog, f *Future) {
	if log == nil {
		return
	}
	switch f.State() {
	case StateErrored:
		log.Section("ERROR")
		log.Lines(f.Err().Error())
	case StateDone:
		if result, _ := f.Result(context.Background()); result != nil {
			log.Section("OUTPUT")
			log.Lines(
				"href: "+result.Href,
				fmt.Sprintf("size: %d", result.Size),
				"type: "+result.ContentType,
			)
		}
	}
	log.Section("ELAPSED")
	for _, tr := range f.Transitions() {
		log.Lines(fmt.Sprintf("%.2f min to %s", tr.Elapsed.Minutes(), tr.State))
	}
	if err := log.Close(); err != nil {
		e.opts.Logger.Warn("Cannot close job log", "future_id", f.ID().String(), "error", err)
	}
}
