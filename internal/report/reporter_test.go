package report

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rafabd1/nightshade/internal/utils"
)

func sampleFinding() Finding {
	return Finding{
		RequestID: 3,
		Category:  CategoryBlindSQL,
		Severity:  SeverityCritical,
		Parameter: "id",
		Info:      "Blind SQL vulnerability via injection in the parameter id",
		Method:    "GET",
		URL:       "http://example.com/?id=sleep(7)%23",
		Payload:   "sleep(7)#",
		Evidence:  "GET /?id=sleep(7)%23 HTTP/1.1\nHost: example.com",
	}
}

func TestReporterAssignsIDsAndKinds(t *testing.T) {
	r := NewReporter(&utils.NoOpLogger{})
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.AddVulnerability(sampleFinding())
	anomaly := sampleFinding()
	anomaly.Category = CategoryInternalError
	anomaly.Severity = SeverityHigh
	r.AddAnomaly(anomaly)

	findings := r.Findings()
	require.Len(t, findings, 2)
	assert.Equal(t, KindVulnerability, findings[0].Kind)
	assert.Equal(t, KindAnomaly, findings[1].Kind)
	assert.NotEmpty(t, findings[0].ID)
	assert.NotEqual(t, findings[0].ID, findings[1].ID)
	assert.Equal(t, fixed, findings[0].Timestamp)

	vulns, anoms := r.Counts()
	assert.Equal(t, 1, vulns)
	assert.Equal(t, 1, anoms)
}

func TestReporterConcurrentAdds(t *testing.T) {
	r := NewReporter(&utils.NoOpLogger{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.AddAnomaly(sampleFinding())
		}()
	}
	wg.Wait()
	assert.Len(t, r.Findings(), 50)
}

func TestSeverityLevel(t *testing.T) {
	assert.Greater(t, SeverityCritical.Level(), SeverityHigh.Level())
	assert.Greater(t, SeverityHigh.Level(), SeverityMedium.Level())
	assert.Greater(t, SeverityMedium.Level(), SeverityLow.Level())
	assert.Equal(t, 0, Severity("bogus").Level())
}

func TestGenerateReportPutsMostSevereFirst(t *testing.T) {
	r := NewReporter(&utils.NoOpLogger{})
	first500 := sampleFinding()
	first500.Severity = SeverityHigh
	first500.Parameter = "cat"
	r.AddAnomaly(first500)
	r.AddVulnerability(sampleFinding())
	second500 := first500
	second500.Parameter = "page"
	r.AddAnomaly(second500)

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, r.GenerateReport(r.Findings(), path, "json"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var written []Finding
	require.NoError(t, json.Unmarshal(data, &written))
	require.Len(t, written, 3)
	assert.Equal(t, KindVulnerability, written[0].Kind)
	assert.Equal(t, "cat", written[1].Parameter)
	assert.Equal(t, "page", written[2].Parameter)

	// stored order is untouched
	assert.Equal(t, KindAnomaly, r.Findings()[0].Kind)
}

func TestWriteReportFormats(t *testing.T) {
	findings := []Finding{sampleFinding()}

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, findings, "json"))
	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "id", decoded[0]["parameter"])
	assert.Equal(t, "critical", decoded[0]["severity"])

	buf.Reset()
	require.NoError(t, WriteReport(&buf, findings, "yaml"))
	var fromYAML []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	require.Len(t, fromYAML, 1)
	assert.Equal(t, "Blind SQL Injection", fromYAML[0]["category"])

	buf.Reset()
	require.NoError(t, WriteReport(&buf, findings, "text"))
	assert.Contains(t, buf.String(), "[CRITICAL] Blind SQL Injection")
	assert.Contains(t, buf.String(), "Parameter: id")

	buf.Reset()
	require.NoError(t, WriteReport(&buf, nil, "json"))
	assert.Equal(t, "[]\n", buf.String())

	assert.Error(t, WriteReport(&buf, findings, "csv"))
}

func TestGenerateReportToFile(t *testing.T) {
	r := NewReporter(&utils.NoOpLogger{})
	r.AddVulnerability(sampleFinding())

	path := filepath.Join(t.TempDir(), "out", "report.json")
	require.NoError(t, r.GenerateReport(r.Findings(), path, "json"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind": "vulnerability"`)
}
