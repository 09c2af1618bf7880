package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rafabd1/nightshade/internal/utils"
)

// Kind separates confirmed vulnerabilities from anomalies.
type Kind string

const (
	KindVulnerability Kind = "vulnerability"
	KindAnomaly       Kind = "anomaly"
)

// Severity of a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Level returns a number usable for sorting, 0 for unknown severities.
func (s Severity) Level() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Categories and messages used by the time based attack.
const (
	CategoryBlindSQL      = "Blind SQL Injection"
	CategoryInternalError = "Internal Server Error"

	MsgBlindSQL        = "Blind SQL vulnerability"
	MsgQSInject        = "%s in %s via injection in the query string"
	MsgParamInject     = "%s in %s via injection in the parameter %s"
	MsgParamVuln       = "%s via injection in the parameter %s"
	MsgQS500           = "The server responded with a 500 HTTP error code while attempting to inject a payload in the query string"
	MsgParam500        = "The server responded with a 500 HTTP error code while attempting to inject a payload in the parameter %s"
	Msg500             = "Received a HTTP 500 error in %s"
	MsgEvilRequest     = "Evil request:"
	MsgTooMuchLag      = "Too much lag from website, can't reliably test time-based blind SQL (%s)"
)

// Finding is a vulnerability or anomaly detected on a request.
// ID and Timestamp are assigned by the Reporter when the finding is stored.
type Finding struct {
	ID        string    `json:"id" yaml:"id"`
	Kind      Kind      `json:"kind" yaml:"kind"`
	RequestID int       `json:"request_id" yaml:"request_id"`
	Category  string    `json:"category" yaml:"category"`
	Severity  Severity  `json:"severity" yaml:"severity"`
	Parameter string    `json:"parameter,omitempty" yaml:"parameter,omitempty"`
	Info      string    `json:"info" yaml:"info"`
	Method    string    `json:"method" yaml:"method"`
	URL       string    `json:"url" yaml:"url"`
	Payload   string    `json:"payload,omitempty" yaml:"payload,omitempty"`
	Evidence  string    `json:"evidence,omitempty" yaml:"evidence,omitempty"` // Raw evil request
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Sink receives findings as soon as they are detected.
type Sink interface {
	AddVulnerability(f Finding)
	AddAnomaly(f Finding)
}

// Reporter stores findings in memory and writes the final report.
type Reporter struct {
	mu       sync.Mutex
	findings []Finding
	logger   utils.Logger
	now      func() time.Time
}

// NewReporter creates a new Reporter.
func NewReporter(logger utils.Logger) *Reporter {
	return &Reporter{logger: logger, now: time.Now}
}

// AddVulnerability records a confirmed vulnerability.
func (r *Reporter) AddVulnerability(f Finding) {
	f.Kind = KindVulnerability
	r.add(f)
}

// AddAnomaly records an anomaly.
func (r *Reporter) AddAnomaly(f Finding) {
	f.Kind = KindAnomaly
	r.add(f)
}

func (r *Reporter) add(f Finding) {
	f.ID = uuid.NewString()
	f.Timestamp = r.now().UTC()

	r.mu.Lock()
	r.findings = append(r.findings, f)
	r.mu.Unlock()

	r.logger.Debugf("[Reporter] Stored %s %s (%s) for %s parameter '%s'", f.Kind, f.ID, f.Category, f.URL, f.Parameter)
}

// Findings returns a copy of the stored findings in insertion order.
func (r *Reporter) Findings() []Finding {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Finding(nil), r.findings...)
}

// SortBySeverity returns a copy of findings, most severe first.
// Findings of equal severity keep their detection order.
func SortBySeverity(findings []Finding) []Finding {
	sorted := append([]Finding(nil), findings...)
	slices.SortStableFunc(sorted, func(a, b Finding) int {
		return b.Severity.Level() - a.Severity.Level()
	})
	return sorted
}

// Counts returns the number of vulnerabilities and anomalies stored.
func (r *Reporter) Counts() (vulnerabilities, anomalies int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.findings {
		if f.Kind == KindVulnerability {
			vulnerabilities++
		} else {
			anomalies++
		}
	}
	return vulnerabilities, anomalies
}

// GenerateReport outputs findings, most severe first, in the requested format
// (json, yaml or text) to outputPath, or to stdout when outputPath is empty.
func (r *Reporter) GenerateReport(findings []Finding, outputPath string, format string) error {
	outputWriter := io.Writer(os.Stdout)
	if outputPath != "" {
		if err := utils.EnsureFilepathExists(outputPath); err != nil {
			return fmt.Errorf("failed to prepare report path: %w", err)
		}
		file, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		defer file.Close()
		outputWriter = file
	}
	if err := WriteReport(outputWriter, SortBySeverity(findings), format); err != nil {
		return err
	}
	if outputPath != "" {
		r.logger.Infof("Report with %d findings written to %s", len(findings), outputPath)
	}
	return nil
}

// WriteReport encodes findings to w.
func WriteReport(w io.Writer, findings []Finding, format string) error {
	if findings == nil {
		findings = []Finding{}
	}
	switch strings.ToLower(format) {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(findings)
	case "yaml", "yml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(findings); err != nil {
			return err
		}
		return encoder.Close()
	case "text", "txt", "":
		for _, f := range findings {
			_, err := fmt.Fprintf(w, "[%s] %s (%s)\nURL: %s %s\nParameter: %s\nInfo: %s\nPayload: %s\nEvidence:\n%s\n---\n",
				strings.ToUpper(string(f.Severity)), f.Category, f.Kind, f.Method, f.URL, f.Parameter, f.Info, f.Payload, f.Evidence)
			if err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unsupported report format '%s'", format)
}
