// Package mutation produces the injected variants of a request, one parameter at a time.
package mutation

import (
	"iter"
	"net/url"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rafabd1/nightshade/internal/networking"
)

// Location tells where a payload was injected.
type Location string

const (
	LocationGET         Location = "GET"
	LocationPOST        Location = "POST"
	LocationQueryString Location = "QUERY_STRING"
)

// QueryStringParameter is the parameter name reported when the whole query string is replaced.
const QueryStringParameter = "QUERY_STRING"

const (
	placeholderValue    = "[VALUE]"
	placeholderFileName = "[FILE_NAME]"
	placeholderFileNoEx = "[FILE_NOEXT]"
)

// Flags carries metadata about a mutation.
type Flags struct {
	Location Location
}

// Mutation is a copy of a base request with exactly one injection point replaced.
type Mutation struct {
	Request   *networking.Request
	Parameter string
	Payload   string
	Flags     Flags
}

// Options controls which injection points are mutated.
type Options struct {
	Locations  []Location // Defaults to GET and POST, QUERY_STRING is governed by QSInject
	QSInject   bool
	Parameters []string // Only these parameters when not empty
	Skip       []string
}

// Mutator yields mutations grouped by parameter: every payload for a parameter
// is emitted before moving to the next one. It remembers the attack patterns
// it already produced so sibling requests with the same shape are not attacked twice.
type Mutator struct {
	opts     Options
	mu       sync.Mutex
	patterns map[string]struct{}
}

// New creates a Mutator.
func New(opts Options) *Mutator {
	if len(opts.Locations) == 0 {
		opts.Locations = []Location{LocationGET, LocationPOST}
	}
	return &Mutator{
		opts:     opts,
		patterns: make(map[string]struct{}),
	}
}

// Mutate returns the mutation sequence for req. payloads must already be rendered.
// req is never modified.
func (m *Mutator) Mutate(req *networking.Request, payloads []string) iter.Seq[Mutation] {
	return func(yield func(Mutation) bool) {
		fileName := path.Base(req.Path())
		if strings.HasSuffix(req.Path(), "/") {
			fileName = ""
		}

		if m.wants(LocationGET) {
			for i, param := range req.Query {
				if !m.claim(req, LocationGET, param.Name) {
					continue
				}
				for _, payload := range payloads {
					value, ok := expand(payload, param.Value, fileName)
					if !ok {
						continue
					}
					mutated := req.Clone()
					mutated.Query[i].Value = value
					if !yield(Mutation{Request: mutated, Parameter: param.Name, Payload: value, Flags: Flags{Location: LocationGET}}) {
						return
					}
				}
			}
		}

		if m.wants(LocationPOST) {
			for i, param := range req.Form {
				if !m.claim(req, LocationPOST, param.Name) {
					continue
				}
				for _, payload := range payloads {
					value, ok := expand(payload, param.Value, fileName)
					if !ok {
						continue
					}
					mutated := req.Clone()
					mutated.Form[i].Value = value
					if !yield(Mutation{Request: mutated, Parameter: param.Name, Payload: value, Flags: Flags{Location: LocationPOST}}) {
						return
					}
				}
			}
		}

		if m.opts.QSInject && req.Method == "GET" && len(req.Query) == 0 && m.claim(req, LocationQueryString, QueryStringParameter) {
			for _, payload := range payloads {
				value, ok := expand(payload, "", fileName)
				if !ok {
					continue
				}
				mutated := req.Clone()
				mutated.RawQuery = url.QueryEscape(value)
				if !yield(Mutation{Request: mutated, Parameter: QueryStringParameter, Payload: value, Flags: Flags{Location: LocationQueryString}}) {
					return
				}
			}
		}
	}
}

func (m *Mutator) wants(loc Location) bool {
	return slices.Contains(m.opts.Locations, loc)
}

// claim reports whether the parameter should be attacked and records its pattern.
func (m *Mutator) claim(req *networking.Request, loc Location, name string) bool {
	if loc != LocationQueryString {
		if len(m.opts.Parameters) > 0 && !slices.Contains(m.opts.Parameters, name) {
			return false
		}
		if slices.Contains(m.opts.Skip, name) {
			return false
		}
	}

	key := pattern(req, loc, name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.patterns[key]; seen {
		return false
	}
	m.patterns[key] = struct{}{}
	return true
}

// pattern identifies an injection point independently of parameter values.
func pattern(req *networking.Request, loc Location, name string) string {
	names := func(params []networking.Param) string {
		list := make([]string, 0, len(params))
		for _, p := range params {
			list = append(list, p.Name)
		}
		sort.Strings(list)
		return strings.Join(list, ",")
	}
	return strings.Join([]string{req.Method, req.Path(), names(req.Query), names(req.Form), string(loc), name}, "|")
}

// expand fills the placeholders a payload may carry. Payloads needing a file name
// are dropped for paths that do not end with one.
func expand(payload, original, fileName string) (string, bool) {
	if strings.Contains(payload, placeholderFileName) || strings.Contains(payload, placeholderFileNoEx) {
		if fileName == "" || fileName == "." || fileName == "/" {
			return "", false
		}
		payload = strings.ReplaceAll(payload, placeholderFileName, fileName)
		payload = strings.ReplaceAll(payload, placeholderFileNoEx, strings.TrimSuffix(fileName, path.Ext(fileName)))
	}
	return strings.ReplaceAll(payload, placeholderValue, original), true
}
