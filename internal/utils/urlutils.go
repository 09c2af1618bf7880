package utils

import (
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var (
	// schemePattern matches URLs starting with a scheme such as http:// or https://
	schemePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+-.]*://`)

	// protocolRelativePattern matches protocol-relative URLs (//host/path)
	protocolRelativePattern = regexp.MustCompile(`^//`)
)

// DefaultIgnoredExtensions lists static resources that never reach a database.
var DefaultIgnoredExtensions = []string{
	".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".woff", ".woff2", ".ttf", ".eot",
	".map",
	".pdf", ".zip", ".tar", ".gz", ".rar",
	".mp4", ".avi", ".mov", ".webm", ".mp3", ".wav", ".ogg",
	".ico",
}

// CanonicalURL normalizes a URL for deduplication.
// It lowercases the scheme and host, drops the fragment and sorts query parameters.
// The host is otherwise kept as is: www.example.com and example.com may be different vhosts.
func CanonicalURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, err
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if u.RawQuery != "" {
		query := u.Query()
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sortedQuery := make(url.Values)
		for _, k := range keys {
			values := query[k]
			sort.Strings(values)
			for _, v := range values {
				sortedQuery.Add(k, v)
			}
		}
		u.RawQuery = sortedQuery.Encode()
	}

	return u.String(), nil
}

// HasIgnoredExtension reports whether the URL path ends with one of the (case-insensitive) extensions.
func HasIgnoredExtension(rawURL string, extensions []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return false
	}
	for _, ignored := range extensions {
		if ext == strings.ToLower(ignored) {
			return true
		}
	}
	return false
}

// NormalizeURL adds http:// when no scheme is present and makes sure the path starts with a slash.
func NormalizeURL(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if !schemePattern.MatchString(rawURL) {
		if protocolRelativePattern.MatchString(rawURL) {
			rawURL = "http:" + rawURL
		} else {
			rawURL = "http://" + rawURL
		}
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsedURL.Host == "" {
		return "", fmt.Errorf("url '%s' has no host", rawURL)
	}

	if parsedURL.Path == "" {
		parsedURL.Path = "/"
	} else if !strings.HasPrefix(parsedURL.Path, "/") {
		parsedURL.Path = "/" + parsedURL.Path
	}

	return parsedURL.String(), nil
}

// ExtractBaseDomain returns the registrable domain (eTLD+1) of a URL, e.g. "www.shop.example.co.uk" -> "example.co.uk".
// IP addresses and hosts without a public suffix are returned as is.
func ExtractBaseDomain(urlString string) (string, error) {
	host, err := GetDomainFromURL(urlString)
	if err != nil {
		return "", err
	}
	if host == "" {
		return "", fmt.Errorf("url '%s' has no host", urlString)
	}
	if net.ParseIP(host) != nil {
		return host, nil
	}
	base, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// localhost, single label intranet names...
		return host, nil
	}
	return base, nil
}
