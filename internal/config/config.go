package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds all the configuration for the nightshade scanner.
// Fields are populated by Viper from flags, the optional config file and the environment.
type Config struct {
	Targets        []string
	TargetsFile    string // Path to a file containing targets, one "[METHOD ]URL" per line
	Stdin          bool   // Read targets from stdin
	PayloadsFile   string // Custom payload corpus, the embedded one is used when empty
	Method         string // Default method for targets that do not carry one
	Data           string // Form body sent with POST targets (a=1&b=2)
	CustomHeaders  []string
	Concurrency    int // Number of base requests attacked in parallel
	TimeoutSeconds int // Transport deadline; payloads sleep for TimeoutSeconds+1
	OutputFile     string
	OutputFormat   string
	Verbosity      string // Log level (debug, info, warn, error)
	VerbosityLevel int    // 0: quiet, 1: details, 2: every mutated request
	UserAgent      string
	ProxyInput     string // Raw input for proxies (URL, list, or file path)
	ParsedProxies  []ProxyEntry

	RequestsPerSecond  float64 // Per domain, 0 disables rate limiting
	DomainCooldownMs   int     // Initial standby after a 429
	MaxRetries         int     // Retries for transport failures, timeouts are never retried
	RetryDelayBaseMs   int     // Base delay for exponential backoff in ms
	RetryDelayMaxMs    int     // Maximum delay for backoff in ms
	InsecureSkipVerify bool

	QSInject       bool     // Inject the whole query string of GET requests without parameters
	Parameters     []string // Only attack these parameters when not empty
	SkipParameters []string
	ExtractForms   bool // Fetch each target and attack the HTML forms it contains

	MetricsAddr string // Serve prometheus metrics on this address when set

	NoColor bool // To disable colored output
	Silent  bool // To suppress non-critical logs
}

// ProxyEntry holds the parsed components of a proxy string.
type ProxyEntry struct {
	URL      string
	Scheme   string
	Host     string // host:port
	Username string
	Password string
}

// String returns the proxy URL string representation.
// Omits user/pass if not present. Defaults to http scheme if not present.
func (pe *ProxyEntry) String() string {
	userInfo := ""
	if pe.Username != "" {
		userInfo = pe.Username
		if pe.Password != "" {
			userInfo += ":" + pe.Password
		}
		userInfo += "@"
	}
	schemeToUse := pe.Scheme
	if schemeToUse == "" {
		schemeToUse = "http"
	}
	return fmt.Sprintf("%s://%s%s", schemeToUse, userInfo, pe.Host)
}

// GetDefaultConfig returns a Config struct populated with default values.
// main.go registers these as flag defaults, Viper overrides them.
func GetDefaultConfig() *Config {
	return &Config{
		Targets:            []string{},
		Method:             "GET",
		CustomHeaders:      []string{},
		Concurrency:        10,
		TimeoutSeconds:     6,
		OutputFile:         "",
		OutputFormat:       "json",
		Verbosity:          "info",
		VerbosityLevel:     0,
		UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ParsedProxies:      []ProxyEntry{},
		RequestsPerSecond:  0,
		DomainCooldownMs:   60000,
		MaxRetries:         1,
		RetryDelayBaseMs:   200,
		RetryDelayMaxMs:    5000,
		InsecureSkipVerify: true,
		QSInject:           true,
		Parameters:         []string{},
		SkipParameters:     []string{},
		NoColor:            false,
		Silent:             false,
	}
}

// RequestTimeout is the deadline applied to every request sent to a target.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TimeToSleep is the number of seconds time-based payloads ask the backend to sleep.
func (c *Config) TimeToSleep() int {
	return 1 + c.TimeoutSeconds
}

// LoadLinesFromFile loads the trimmed lines of a targets or proxy file.
// Empty lines and lines starting with '#' are ignored.
func LoadLinesFromFile(filePath string) ([]string, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(string(content), "\n")
	var result []string
	for _, line := range lines {
		trimmedLine := strings.TrimSpace(line)
		if trimmedLine != "" && !strings.HasPrefix(trimmedLine, "#") {
			result = append(result, trimmedLine)
		}
	}
	return result, nil
}

// Validate checks the Config after it has been populated by Viper.
func (c *Config) Validate() error {
	if c.TimeoutSeconds <= 0 {
		return fmt.Errorf("timeout must be a positive number of seconds")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	switch strings.ToLower(c.OutputFormat) {
	case "json", "yaml", "text":
	default:
		return fmt.Errorf("unsupported output format '%s' (json, yaml, text)", c.OutputFormat)
	}
	if c.Verbosity == "" {
		return fmt.Errorf("verbosity cannot be empty")
	}
	if c.VerbosityLevel < 0 || c.VerbosityLevel > 2 {
		return fmt.Errorf("verbosityLevel must be between 0 and 2")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("userAgent cannot be empty")
	}
	switch strings.ToUpper(c.Method) {
	case "GET", "POST":
	default:
		return fmt.Errorf("unsupported method '%s' (GET, POST)", c.Method)
	}
	if len(c.Targets) == 0 && c.TargetsFile == "" && !c.Stdin {
		return fmt.Errorf("targets cannot be empty")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requestsPerSecond cannot be negative")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("maxRetries cannot be negative")
	}
	if c.RetryDelayBaseMs < 0 {
		return fmt.Errorf("retryDelayBaseMs cannot be negative")
	}
	if c.RetryDelayMaxMs < 0 {
		return fmt.Errorf("retryDelayMaxMs cannot be negative")
	}
	if c.RetryDelayBaseMs > c.RetryDelayMaxMs && c.RetryDelayMaxMs > 0 { // Only if MaxMs is not unlimited (0)
		return fmt.Errorf("retryDelayBaseMs (%d) cannot be greater than retryDelayMaxMs (%d)", c.RetryDelayBaseMs, c.RetryDelayMaxMs)
	}
	for _, h := range c.CustomHeaders {
		if !strings.Contains(h, ":") {
			return fmt.Errorf("invalid header '%s', expected 'Name: Value'", h)
		}
	}
	return nil
}

// String (Config method) remains useful for debugging.
func (c *Config) String() string {
	return fmt.Sprintf("UserAgent: %s, Timeout: %ds, TimeToSleep: %ds, Concurrency: %d, Targets: %v, ProxyInput: '%s', Verbosity: %s, MaxRetries: %d, RetryDelayBaseMs: %d, RetryDelayMaxMs: %d, RequestsPerSecond: %.2f, CustomHeaders (count): %d",
		c.UserAgent, c.TimeoutSeconds, c.TimeToSleep(), c.Concurrency, c.Targets, c.ProxyInput, c.Verbosity, c.MaxRetries, c.RetryDelayBaseMs, c.RetryDelayMaxMs, c.RequestsPerSecond, len(c.CustomHeaders))
}
