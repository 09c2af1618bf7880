package networking

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/rafabd1/nightshade/internal/utils"
)

// Param is a single name/value pair. Order is kept as found in the original request.
type Param struct {
	Name  string
	Value string
}

// Request describes an HTTP request to attack. It is owned by the caller,
// attacks only read it and work on clones.
type Request struct {
	PathID   int    // Stable identity of the endpoint, used to correlate findings
	Method   string // GET or POST
	URL      string // scheme://host/path, without query string
	Query    []Param
	RawQuery string // Sent verbatim instead of Query when not empty
	Form     []Param
	Headers  http.Header
}

// NewRequest builds a Request from a URL whose query string is split into parameters.
func NewRequest(method, rawURL string, form []Param) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url '%s': %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("url '%s' must be absolute", rawURL)
	}
	query, err := ParseParams(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to parse query of '%s': %w", rawURL, err)
	}
	u.RawQuery = ""
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method:  strings.ToUpper(method),
		URL:     u.String(),
		Query:   query,
		Form:    form,
		Headers: make(http.Header),
	}, nil
}

// ParseParams splits an urlencoded string (a=1&b=2) into ordered parameters.
func ParseParams(encoded string) ([]Param, error) {
	var params []Param
	if encoded == "" {
		return params, nil
	}
	for _, pair := range strings.Split(encoded, "&") {
		if pair == "" {
			continue
		}
		name, value, _ := strings.Cut(pair, "=")
		decodedName, err := url.QueryUnescape(name)
		if err != nil {
			return nil, err
		}
		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			return nil, err
		}
		params = append(params, Param{Name: decodedName, Value: decodedValue})
	}
	return params, nil
}

// EncodeParams encodes parameters keeping their order.
func EncodeParams(params []Param) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, url.QueryEscape(p.Name)+"="+url.QueryEscape(p.Value))
	}
	return strings.Join(parts, "&")
}

// Path returns the URL without its query string.
func (r *Request) Path() string {
	return r.URL
}

// EncodedQuery returns the query string as it will be sent.
func (r *Request) EncodedQuery() string {
	if r.RawQuery != "" {
		return r.RawQuery
	}
	return EncodeParams(r.Query)
}

// FullURL returns the URL including the query string.
func (r *Request) FullURL() string {
	q := r.EncodedQuery()
	if q == "" {
		return r.URL
	}
	return r.URL + "?" + q
}

// EncodedBody returns the urlencoded form body, empty for requests without form parameters.
func (r *Request) EncodedBody() string {
	return EncodeParams(r.Form)
}

// Clone returns a deep copy that can be mutated freely.
func (r *Request) Clone() *Request {
	clone := *r
	clone.Query = append([]Param(nil), r.Query...)
	clone.Form = append([]Param(nil), r.Form...)
	clone.Headers = r.Headers.Clone()
	if clone.Headers == nil {
		clone.Headers = make(http.Header)
	}
	return &clone
}

// HTTPRepr serializes the request the way it goes on the wire.
// Headers are sorted so the output is stable between runs.
func (r *Request) HTTPRepr() string {
	var b strings.Builder
	target := "/"
	host := ""
	if u, err := url.Parse(r.FullURL()); err == nil {
		target = u.RequestURI()
		host = u.Host
	}
	fmt.Fprintf(&b, "%s %s HTTP/1.1\n", r.Method, target)
	fmt.Fprintf(&b, "Host: %s\n", host)

	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.Headers[k] {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}

	body := r.EncodedBody()
	if body != "" {
		if r.Headers.Get("Content-Type") == "" {
			fmt.Fprintf(&b, "Content-Type: %s\n", utils.ContentTypeForm)
		}
		fmt.Fprintf(&b, "\n%s", body)
	}
	return strings.TrimRight(b.String(), "\n")
}

// String is a one line description used in logs.
func (r *Request) String() string {
	body := r.EncodedBody()
	if body == "" {
		return fmt.Sprintf("%s %s", r.Method, r.FullURL())
	}
	return fmt.Sprintf("%s %s (%s)", r.Method, r.FullURL(), body)
}
