// Package request models remote data-retrieval requests: a flat parameter
// mapping plus a local target, with parsing of MARS-style request text and
// helpers for defaults files and batch input discovery.
package request

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

var (
	// ErrNoService is returned when a request names neither a dataset
	// nor a service.
	ErrNoService = errors.New("request: dataset or service must be specified")

	// ErrAmbiguousService is returned when a request names both a
	// dataset and a service.
	ErrAmbiguousService = errors.New("request: dataset and service are mutually exclusive")

	// ErrNoTarget is returned when a request has no local destination.
	ErrNoTarget = errors.New("request: target must be specified")
)

// Request is a single data-retrieval request: the parameters sent to the
// remote service and the local file its output is written to.
type Request struct {
	Params map[string]string
	Target string
}

// Clone returns a deep copy of the request.
func (r Request) Clone() Request {
	return Request{Params: maps.Clone(r.Params), Target: r.Target}
}

// String renders the request as MARS-style text, parameters sorted by key.
func (r Request) String() string {
	keys := make([]string, 0, len(r.Params))
	for k := range r.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("retrieve")
	for _, k := range keys {
		fmt.Fprintf(&b, ",\n    %s = %s", k, r.Params[k])
	}
	if r.Target != "" {
		fmt.Fprintf(&b, ",\n    target = %q", r.Target)
	}
	return b.String()
}

// Validate checks that the parameters name exactly one of a dataset or a
// service. It is the local validation the executor runs before enqueueing.
func Validate(params map[string]string) error {
	_, hasDataset := params["dataset"]
	_, hasService := params["service"]
	switch {
	case hasDataset && hasService:
		return ErrAmbiguousService
	case !hasDataset && !hasService:
		return ErrNoService
	}
	return nil
}

// ServicePath maps the dataset/service parameter to the request path on
// the remote API, e.g. "datasets/era5" or "services/mars".
func ServicePath(params map[string]string) (string, error) {
	if err := Validate(params); err != nil {
		return "", err
	}
	if dataset, ok := params["dataset"]; ok {
		return "datasets/" + dataset, nil
	}
	return "services/" + params["service"], nil
}

// LoadDefaults reads a YAML mapping of default request parameters. Scalar
// values are rendered with their YAML string representation.
func LoadDefaults(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("request: read defaults: %w", err)
	}
	var loaded map[string]any
	if err := yaml.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("request: parse defaults: %w", err)
	}
	defaults := make(map[string]string, len(loaded))
	for k, v := range loaded {
		defaults[k] = fmt.Sprintf("%v", v)
	}
	return defaults, nil
}

// FindFiles expands glob patterns (including ** globs) to the regular
// files they match, in pattern order.
func FindFiles(patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("request: bad pattern %q: %w", pattern, err)
		}
		for _, name := range matches {
			info, err := os.Lstat(name)
			if err != nil {
				continue
			}
			if info.Mode().IsRegular() {
				files = append(files, name)
			}
		}
	}
	return files, nil
}
