package input

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/rafabd1/nightshade/internal/networking"
	"github.com/rafabd1/nightshade/internal/utils"
)

// Fetcher sends a request and returns the response.
type Fetcher interface {
	Send(ctx context.Context, req *networking.Request, timeout time.Duration) (*networking.Response, error)
}

// Values used for fields that have none.
var defaultFieldValues = map[string]string{
	"email":    "nightshade@example.com",
	"password": "Letm3in_",
	"number":   "1337",
	"tel":      "0123456789",
	"url":      "https://example.com/",
	"date":     "2024-01-01",
}

// ExtractForms parses body, fetched from pageURL, and builds one request per form
// with at least one named field. Relative actions are resolved against pageURL.
func ExtractForms(body []byte, pageURL string) ([]*networking.Request, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page url '%s': %w", pageURL, err)
	}
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html of %s: %w", pageURL, err)
	}

	var requests []*networking.Request
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "form" {
			if req := buildFormRequest(n, base); req != nil {
				requests = append(requests, req)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return requests, nil
}

func buildFormRequest(form *html.Node, base *url.URL) *networking.Request {
	method := strings.ToUpper(strings.TrimSpace(attr(form, "method")))
	if method != http.MethodPost {
		method = http.MethodGet
	}
	action := base
	if raw := strings.TrimSpace(attr(form, "action")); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil
		}
		action = base.ResolveReference(parsed)
	}
	if action.Scheme != "http" && action.Scheme != "https" {
		return nil
	}

	fields := collectFields(form)
	if len(fields) == 0 {
		return nil
	}

	target := *action
	target.Fragment = ""
	if method == http.MethodGet {
		query, err := networking.ParseParams(target.RawQuery)
		if err != nil {
			return nil
		}
		target.RawQuery = networking.EncodeParams(append(query, fields...))
		req, err := networking.NewRequest(method, target.String(), nil)
		if err != nil {
			return nil
		}
		return req
	}
	req, err := networking.NewRequest(method, target.String(), fields)
	if err != nil {
		return nil
	}
	return req
}

func collectFields(form *html.Node) []networking.Param {
	var fields []networking.Param
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			name := attr(n, "name")
			switch {
			case name == "":
			case n.Data == "input":
				inputType := strings.ToLower(attr(n, "type"))
				switch inputType {
				case "submit", "button", "image", "reset", "file":
				case "checkbox", "radio":
					if _, checked := lookup(n, "checked"); checked && !hasField(fields, name) {
						fields = append(fields, networking.Param{Name: name, Value: valueOr(attr(n, "value"), "on")})
					}
				default:
					fields = append(fields, networking.Param{Name: name, Value: valueOr(attr(n, "value"), defaultFieldValues[inputType])})
				}
			case n.Data == "textarea":
				fields = append(fields, networking.Param{Name: name, Value: valueOr(text(n), "default")})
			case n.Data == "select":
				fields = append(fields, networking.Param{Name: name, Value: selectedOption(n)})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(form)
	return fields
}

func selectedOption(sel *html.Node) string {
	first := ""
	found := false
	var walk func(*html.Node) string
	walk = func(n *html.Node) string {
		if n.Type == html.ElementNode && n.Data == "option" {
			value, hasValue := lookup(n, "value")
			if !hasValue {
				value = strings.TrimSpace(text(n))
			}
			if _, selected := lookup(n, "selected"); selected {
				return value
			}
			if !found {
				first, found = value, true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if v := walk(c); v != "" {
				return v
			}
		}
		return ""
	}
	if v := walk(sel); v != "" {
		return v
	}
	return first
}

func attr(n *html.Node, key string) string {
	v, _ := lookup(n, key)
	return v
}

func lookup(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

func text(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func valueOr(value, fallback string) string {
	if value != "" {
		return value
	}
	if fallback != "" {
		return fallback
	}
	return "default"
}

func hasField(fields []networking.Param, name string) bool {
	for _, f := range fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// DiscoverForms fetches every GET request and adds the forms found in HTML answers.
// Fetch failures are logged and the original requests are always kept.
func DiscoverForms(ctx context.Context, fetcher Fetcher, requests []*networking.Request, timeout time.Duration, logger utils.Logger) []*networking.Request {
	all := append([]*networking.Request(nil), requests...)
	for _, req := range requests {
		if ctx.Err() != nil {
			break
		}
		if req.Method != http.MethodGet {
			continue
		}
		resp, err := fetcher.Send(ctx, req, timeout)
		if err != nil {
			logger.Debugf("Form discovery on %s failed: %v", req.FullURL(), err)
			continue
		}
		if resp.StatusCode != http.StatusOK || !strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "html") {
			continue
		}
		forms, err := ExtractForms(resp.Body, req.FullURL())
		if err != nil {
			logger.Debugf("%v", err)
			continue
		}
		if len(forms) > 0 {
			logger.Infof("Found %d forms on %s", len(forms), req.FullURL())
		}
		all = append(all, forms...)
	}
	return Dedupe(all, logger)
}
