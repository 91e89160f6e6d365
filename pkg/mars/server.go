// Package mars provides the high-level entry points for submitting
// data-retrieval requests: a DataServer for dataset and service requests
// and a Service bound to a single named service. Both hand submissions to
// a futures.Executor and return immediately with a future.
package mars

import (
	"maps"
	"time"

	"github.com/chpolste/ecmwf-api-futures/internal/ecmwf"
	"github.com/chpolste/ecmwf-api-futures/internal/joblog"
	"github.com/chpolste/ecmwf-api-futures/internal/shared/config"
	"github.com/chpolste/ecmwf-api-futures/internal/shared/logging"
	"github.com/chpolste/ecmwf-api-futures/pkg/futures"
	"github.com/chpolste/ecmwf-api-futures/pkg/request"
)

// The ECMWF Web API limits each user to 3 active and 20 queued requests.
const maxRequestWarning = "no more than 3 (20) requests per user can be active (queued) at a time on the ECMWF server"

// Options configures a DataServer.
type Options struct {
	// URL, Key and Email override the credentials resolved from the
	// environment and the ~/.ecmwfapirc file.
	URL   string
	Key   string
	Email string

	// MaxWorkers is the number of concurrently executed requests.
	// Default: 1.
	MaxWorkers int

	// Defaults provides non-changing parameters for every request.
	Defaults map[string]string

	// PollInterval is the sleep between remote status polls.
	PollInterval time.Duration

	// WriteLogs controls whether a log artifact is written next to each
	// output file. Default: true.
	WriteLogs bool

	// Logger receives operational log output.
	Logger futures.Logger

	// Adapter replaces the HTTP API client, mainly for tests.
	Adapter futures.Adapter
}

// Option mutates Options.
type Option func(*Options)

func WithCredentials(url, key, email string) Option {
	return func(o *Options) { o.URL, o.Key, o.Email = url, key, email }
}

func WithMaxWorkers(n int) Option {
	return func(o *Options) { o.MaxWorkers = n }
}

func WithDefaults(defaults map[string]string) Option {
	return func(o *Options) { o.Defaults = maps.Clone(defaults) }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *Options) { o.PollInterval = d }
}

func WithJobLogs(enabled bool) Option {
	return func(o *Options) { o.WriteLogs = enabled }
}

func WithLogger(l futures.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithAdapter(a futures.Adapter) Option {
	return func(o *Options) { o.Adapter = a }
}

// DataServer submits dataset and service requests to the remote API
// through a bounded worker pool.
type DataServer struct {
	exec *futures.Executor
}

// NewDataServer resolves credentials, builds the API client and starts
// the worker pool. Credentials not passed via options are taken from
// ECMWF_API_* environment variables or ~/.ecmwfapirc.
func NewDataServer(options ...Option) (*DataServer, error) {
	opts := Options{MaxWorkers: 1, WriteLogs: true}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		// Warnings such as the request quota notice must reach the user
		// even when no logger is configured.
		opts.Logger = logging.New("warn", "text")
	}

	adapter := opts.Adapter
	if adapter == nil {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		if opts.URL == "" {
			opts.URL = cfg.API.URL
		}
		if opts.Key == "" {
			opts.Key = cfg.API.Key
		}
		if opts.Email == "" {
			opts.Email = cfg.API.Email
		}
		adapter, err = ecmwf.NewClient(ecmwf.Options{
			BaseURL: opts.URL,
			Key:     opts.Key,
			Email:   opts.Email,
		})
		if err != nil {
			return nil, err
		}
	}

	if opts.MaxWorkers > 3 {
		opts.Logger.Warn(maxRequestWarning, "max_workers", opts.MaxWorkers)
	}

	execOptions := []futures.Option{
		futures.WithMaxWorkers(opts.MaxWorkers),
		futures.WithDefaults(opts.Defaults),
		futures.WithValidator(request.Validate),
		futures.WithLogger(opts.Logger),
	}
	if opts.PollInterval > 0 {
		execOptions = append(execOptions, futures.WithPollInterval(opts.PollInterval))
	}
	if opts.WriteLogs {
		execOptions = append(execOptions, futures.WithJobLogs(joblog.Open))
	}

	exec, err := futures.New(adapter, execOptions...)
	if err != nil {
		return nil, err
	}
	return &DataServer{exec: exec}, nil
}

// Retrieve submits a request and returns the future tracking it. It never
// blocks on the remote service; failures other than local validation are
// observed through the future.
func (s *DataServer) Retrieve(req request.Request) (*futures.Future, error) {
	if req.Target == "" {
		return nil, request.ErrNoTarget
	}
	return s.exec.Submit(req.Params, req.Target)
}

// Futures returns all futures this server has accepted.
func (s *DataServer) Futures() []*futures.Future {
	return s.exec.Futures()
}

// Shutdown stops accepting requests. Queued but unstarted requests become
// cancelled; if wait is true, Shutdown blocks until in-flight requests
// have resolved.
func (s *DataServer) Shutdown(wait bool) {
	s.exec.Shutdown(wait)
}

// Service is a DataServer bound to one named service, e.g. "mars".
type Service struct {
	*DataServer
}

// NewService builds a DataServer whose defaults route every request to
// the given service.
func NewService(name string, options ...Option) (*Service, error) {
	opts := Options{}
	for _, option := range options {
		option(&opts)
	}
	defaults := maps.Clone(opts.Defaults)
	if defaults == nil {
		defaults = make(map[string]string, 1)
	}
	defaults["service"] = name

	server, err := NewDataServer(append(options, WithDefaults(defaults))...)
	if err != nil {
		return nil, err
	}
	return &Service{DataServer: server}, nil
}

// Execute submits request parameters with an explicit target to the bound
// service.
func (s *Service) Execute(params map[string]string, target string) (*futures.Future, error) {
	return s.Retrieve(request.Request{Params: params, Target: target})
}
