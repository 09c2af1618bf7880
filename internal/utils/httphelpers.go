package utils

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// ContentTypeForm is sent with POST bodies built from form parameters.
const ContentTypeForm = "application/x-www-form-urlencoded"

// GetDomainFromURL extracts the domain name from a URL string.
func GetDomainFromURL(urlString string) (string, error) {
	u, err := url.Parse(urlString)
	if err != nil {
		return "", err
	}
	return u.Hostname(), nil
}

// IsDialError reports whether err happened while establishing the connection.
// A target that cannot be reached did not get the chance to sleep.
func IsDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// ParseHeaderLine splits a "Name: Value" header line.
func ParseHeaderLine(line string) (string, string, bool) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(parts[1]), true
}
