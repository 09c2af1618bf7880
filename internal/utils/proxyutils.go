package utils

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/rafabd1/nightshade/internal/config"
)

// ParseProxyInput parses a proxy input string (which can be a single proxy URL,
// a comma-separated list of proxy URLs, or a file path containing one proxy URL per line)
// into a slice of ProxyEntry structs.
func ParseProxyInput(proxyInput string, logger Logger) ([]config.ProxyEntry, error) {
	if proxyInput == "" {
		return nil, nil
	}

	var proxyStrings []string

	if _, err := os.Stat(proxyInput); err == nil {
		logger.Debugf("Proxy input '%s' appears to be a file. Attempting to read.", proxyInput)
		lines, errRead := config.LoadLinesFromFile(proxyInput)
		if errRead != nil {
			return nil, fmt.Errorf("failed to read proxy file '%s': %w", proxyInput, errRead)
		}
		proxyStrings = lines
	} else {
		proxyStrings = strings.Split(proxyInput, ",")
	}

	var parsedProxies []config.ProxyEntry
	for _, str := range proxyStrings {
		trimmedStr := strings.TrimSpace(str)
		if trimmedStr == "" {
			continue
		}

		// Format: [scheme://][user:pass@]host:port
		urlStr := trimmedStr
		if !strings.Contains(urlStr, "://") {
			urlStr = "http://" + urlStr
		}

		parsedURL, err := url.Parse(urlStr)
		if err != nil {
			logger.Warnf("Failed to parse proxy string '%s': %v. Skipping this proxy.", trimmedStr, err)
			continue
		}

		host := parsedURL.Hostname()
		port := parsedURL.Port()
		if host == "" || port == "" {
			logger.Warnf("Proxy string '%s' must contain a host and a port. Skipping.", trimmedStr)
			continue
		}

		var user, pass string
		if parsedURL.User != nil {
			user = parsedURL.User.Username()
			pass, _ = parsedURL.User.Password()
		}

		canonical := url.URL{Scheme: parsedURL.Scheme, Host: net.JoinHostPort(host, port)}
		if user != "" {
			canonical.User = url.UserPassword(user, pass)
		}

		parsedProxies = append(parsedProxies, config.ProxyEntry{
			URL:      canonical.String(),
			Scheme:   parsedURL.Scheme,
			Host:     canonical.Host,
			Username: user,
			Password: pass,
		})
	}

	if len(parsedProxies) == 0 {
		return nil, fmt.Errorf("proxy input '%s' provided, but no valid proxies could be parsed", proxyInput)
	}
	logger.Infof("Successfully parsed %d proxies.", len(parsedProxies))
	return parsedProxies, nil
}
