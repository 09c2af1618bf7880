package input

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/rafabd1/nightshade/internal/config"
	"github.com/rafabd1/nightshade/internal/networking"
	"github.com/rafabd1/nightshade/internal/utils"
)

// Reader handles reading targets from various sources like files or stdin.
type Reader struct {
	logger utils.Logger
}

// NewReader creates a new Reader.
func NewReader(logger utils.Logger) *Reader {
	return &Reader{logger: logger}
}

// ReadLines returns the non empty lines of rd, ignoring '#' comments.
func (r *Reader) ReadLines(rd io.Reader) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// ReadURLsFromFile reads targets line by line from a specified file.
func (r *Reader) ReadURLsFromFile(filePath string) ([]string, error) {
	lines, err := config.LoadLinesFromFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file %s: %w", filePath, err)
	}
	r.logger.Debugf("Read %d targets from %s", len(lines), filePath)
	return lines, nil
}

// ReadURLsFromStdin reads targets line by line from standard input.
func (r *Reader) ReadURLsFromStdin() ([]string, error) {
	return r.ReadLines(os.Stdin)
}

// BuildOptions are applied to targets that do not specify them.
type BuildOptions struct {
	Method string // Default method
	Data   string // Form body for POST targets, urlencoded
}

// BuildRequests turns "[METHOD ]URL" lines into requests. Invalid lines, static resources
// and duplicates are dropped. PathIDs are assigned from 1 in input order.
func (r *Reader) BuildRequests(lines []string, opts BuildOptions) []*networking.Request {
	var form []networking.Param
	if opts.Data != "" {
		parsed, err := networking.ParseParams(opts.Data)
		if err != nil {
			r.logger.Warnf("Ignoring malformed POST data '%s': %v", opts.Data, err)
		} else {
			form = parsed
		}
	}

	var requests []*networking.Request
	for _, line := range lines {
		method := strings.ToUpper(opts.Method)
		target := line
		if fields := strings.Fields(line); len(fields) == 2 && isMethod(fields[0]) {
			method = strings.ToUpper(fields[0])
			target = fields[1]
		}
		if method == "" {
			method = http.MethodGet
		}

		normalized, err := utils.NormalizeURL(target)
		if err != nil {
			r.logger.Warnf("Skipping invalid target '%s': %v", line, err)
			continue
		}
		if utils.HasIgnoredExtension(normalized, utils.DefaultIgnoredExtensions) {
			r.logger.Debugf("Skipping static resource %s", normalized)
			continue
		}

		var body []networking.Param
		if method == http.MethodPost {
			body = form
		}
		req, err := networking.NewRequest(method, normalized, body)
		if err != nil {
			r.logger.Warnf("Skipping invalid target '%s': %v", line, err)
			continue
		}
		requests = append(requests, req)
	}
	return Dedupe(requests, r.logger)
}

// Dedupe removes requests with the same method, canonical URL and form field names,
// then renumbers PathIDs.
func Dedupe(requests []*networking.Request, logger utils.Logger) []*networking.Request {
	seen := make(map[string]struct{}, len(requests))
	unique := make([]*networking.Request, 0, len(requests))
	for _, req := range requests {
		canonical, err := utils.CanonicalURL(req.FullURL())
		if err != nil {
			canonical = req.FullURL()
		}
		names := make([]string, 0, len(req.Form))
		for _, p := range req.Form {
			names = append(names, p.Name)
		}
		sort.Strings(names)
		key := req.Method + " " + canonical + " " + strings.Join(names, "&")
		if _, exists := seen[key]; exists {
			logger.Debugf("Skipping duplicate target %s", req)
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, req)
	}
	for i, req := range unique {
		req.PathID = i + 1
	}
	return unique
}

func isMethod(s string) bool {
	switch strings.ToUpper(s) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
