package core

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafabd1/nightshade/internal/config"
	"github.com/rafabd1/nightshade/internal/mutation"
	"github.com/rafabd1/nightshade/internal/networking"
	"github.com/rafabd1/nightshade/internal/report"
	"github.com/rafabd1/nightshade/internal/utils"
)

type fakeMutator struct {
	mutations []mutation.Mutation
}

func (f *fakeMutator) Mutate(_ *networking.Request, _ []string) iter.Seq[mutation.Mutation] {
	return func(yield func(mutation.Mutation) bool) {
		for _, m := range f.mutations {
			if !yield(m) {
				return
			}
		}
	}
}

// outcome is what the fake transport answers for a given request.
type outcome struct {
	status int
	err    error
}

var (
	ok200     = outcome{status: 200}
	err500    = outcome{status: 500}
	timeout   = outcome{err: fmt.Errorf("%w: deadline", networking.ErrTimeout)}
	refused   = outcome{err: fmt.Errorf("%w: connection refused", networking.ErrTransport)}
	noOutcome = outcome{}
)

type fakeSender struct {
	mu        sync.Mutex
	outcomes  map[string]outcome // keyed by Request.String()
	fallback  outcome
	sent      []string
	deadlines []time.Duration
}

func newFakeSender(fallback outcome, outcomes map[string]outcome) *fakeSender {
	return &fakeSender{outcomes: outcomes, fallback: fallback}
}

func (f *fakeSender) Send(ctx context.Context, req *networking.Request, timeout time.Duration) (*networking.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req.String())
	f.deadlines = append(f.deadlines, timeout)

	o, exists := f.outcomes[req.String()]
	if !exists {
		o = f.fallback
	}
	if o.err != nil {
		return nil, o.err
	}
	return &networking.Response{StatusCode: o.status, Status: http.StatusText(o.status)}, nil
}

type fakeSink struct {
	mu              sync.Mutex
	vulnerabilities []report.Finding
	anomalies       []report.Finding
}

func (s *fakeSink) AddVulnerability(f report.Finding) {
	s.mu.Lock()
	s.vulnerabilities = append(s.vulnerabilities, f)
	s.mu.Unlock()
}

func (s *fakeSink) AddAnomaly(f report.Finding) {
	s.mu.Lock()
	s.anomalies = append(s.anomalies, f)
	s.mu.Unlock()
}

type fakeConsole struct {
	vulnerabilities []string
	anomalies       []string
	warnings        []string
}

func (c *fakeConsole) Vulnerability(title, evil string) {
	c.vulnerabilities = append(c.vulnerabilities, title+"\n"+evil)
}

func (c *fakeConsole) Anomaly(title, evil string) {
	c.anomalies = append(c.anomalies, title+"\n"+evil)
}

func (c *fakeConsole) Warning(msg string) {
	c.warnings = append(c.warnings, msg)
}

type recordingLogger struct {
	utils.NoOpLogger
	mu    sync.Mutex
	infos []string
}

func (l *recordingLogger) Infof(format string, v ...interface{}) {
	l.mu.Lock()
	l.infos = append(l.infos, fmt.Sprintf(format, v...))
	l.mu.Unlock()
}

func baseRequest(t *testing.T) *networking.Request {
	t.Helper()
	req, err := networking.NewRequest("GET", "http://target.local/item.php?id=5&name=bob", nil)
	require.NoError(t, err)
	req.PathID = 42
	return req
}

// mutate returns a mutation of base where parameter takes payload as value.
func mutate(base *networking.Request, parameter, payload string) mutation.Mutation {
	clone := base.Clone()
	if parameter == mutation.QueryStringParameter {
		clone.Query = nil
		clone.RawQuery = payload
		return mutation.Mutation{Request: clone, Parameter: parameter, Payload: payload, Flags: mutation.Flags{Location: mutation.LocationQueryString}}
	}
	for i := range clone.Query {
		if clone.Query[i].Name == parameter {
			clone.Query[i].Value = payload
		}
	}
	return mutation.Mutation{Request: clone, Parameter: parameter, Payload: payload, Flags: mutation.Flags{Location: mutation.LocationGET}}
}

type harness struct {
	attack  *TimeSQL
	sender  *fakeSender
	sink    *fakeSink
	console *fakeConsole
	logger  *recordingLogger
	counter *atomic.Int64
	muts    []mutation.Mutation
}

func newHarness(sender *fakeSender, muts []mutation.Mutation) *harness {
	h := &harness{
		sender:  sender,
		sink:    &fakeSink{},
		console: &fakeConsole{},
		logger:  &recordingLogger{},
		counter: new(atomic.Int64),
		muts:    muts,
	}
	h.attack = NewTimeSQL(TimeSQLOptions{
		Sender:        sender,
		Mutator:       &fakeMutator{mutations: muts},
		Sink:          h.sink,
		Console:       h.console,
		Logger:        h.logger,
		NetworkErrors: h.counter,
		Payloads:      []string{"sleep([TIME])#"},
	})
	return h
}

func TestNoFindingsWithoutTimeoutsOr500(t *testing.T) {
	base := baseRequest(t)
	muts := []mutation.Mutation{
		mutate(base, "id", "a"), mutate(base, "id", "b"),
		mutate(base, "name", "a"), mutate(base, "name", "b"),
	}
	h := newHarness(newFakeSender(ok200, nil), muts)

	require.NoError(t, h.attack.Attack(context.Background(), base))
	assert.Empty(t, h.sink.vulnerabilities)
	assert.Empty(t, h.sink.anomalies)
	assert.Len(t, h.sender.sent, 4)
	assert.Zero(t, h.counter.Load())
}

func TestConfirmedParameterIsNotAttackedAgain(t *testing.T) {
	base := baseRequest(t)
	m1 := mutate(base, "id", "' OR SLEEP(6)--")
	m2 := mutate(base, "id", "1")
	m3 := mutate(base, "name", "x")
	require.NotEqual(t, base.String(), m2.Request.String())
	sender := newFakeSender(ok200, map[string]outcome{
		m1.Request.String(): timeout,
	})
	h := newHarness(sender, []mutation.Mutation{m1, m2, m3})

	require.NoError(t, h.attack.Attack(context.Background(), base))

	require.Len(t, h.sink.vulnerabilities, 1)
	vuln := h.sink.vulnerabilities[0]
	assert.Equal(t, "id", vuln.Parameter)
	assert.Equal(t, 42, vuln.RequestID)
	assert.Equal(t, report.CategoryBlindSQL, vuln.Category)
	assert.Equal(t, report.SeverityCritical, vuln.Severity)
	assert.Equal(t, "Blind SQL vulnerability via injection in the parameter id", vuln.Info)
	assert.Equal(t, m1.Request.HTTPRepr(), vuln.Evidence)
	assert.Equal(t, "' OR SLEEP(6)--", vuln.Payload)

	// m1, control probe (original request), m3. m2 never dispatched.
	assert.Equal(t, []string{m1.Request.String(), base.String(), m3.Request.String()}, h.sender.sent)
	assert.NotContains(t, h.sender.sent, m2.Request.String())
	assert.Empty(t, h.sink.anomalies)
	assert.Zero(t, h.counter.Load())

	require.Len(t, h.console.vulnerabilities, 1)
	assert.True(t, strings.HasPrefix(h.console.vulnerabilities[0],
		"Blind SQL vulnerability in http://target.local/item.php via injection in the parameter id\n"))
}

func TestControlProbeUsesSameDeadline(t *testing.T) {
	base := baseRequest(t)
	m1 := mutate(base, "id", "x")
	h := newHarness(newFakeSender(ok200, map[string]outcome{m1.Request.String(): timeout}), []mutation.Mutation{m1})
	h.attack.SetTimeout(3)

	require.NoError(t, h.attack.Attack(context.Background(), base))
	require.Len(t, h.sender.deadlines, 2)
	assert.Equal(t, 3*time.Second, h.sender.deadlines[0])
	assert.Equal(t, h.sender.deadlines[0], h.sender.deadlines[1])
}

func TestGlobalLagAbortsWholeAttack(t *testing.T) {
	base := baseRequest(t)
	m1 := mutate(base, "id", "x")
	m2 := mutate(base, "id", "y")
	m3 := mutate(base, "name", "z")
	sender := newFakeSender(ok200, map[string]outcome{
		m1.Request.String(): timeout,
		base.String():       timeout,
	})
	h := newHarness(sender, []mutation.Mutation{m1, m2, m3})

	err := h.attack.Attack(context.Background(), base)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooMuchLag)

	assert.Empty(t, h.sink.vulnerabilities)
	assert.Equal(t, []string{m1.Request.String(), base.String()}, h.sender.sent)
	assert.Equal(t, int64(1), h.counter.Load())
	require.Len(t, h.console.warnings, 1)
	assert.Equal(t, "Too much lag from website, can't reliably test time-based blind SQL (http://target.local/item.php)", h.console.warnings[0])
}

func TestControlProbeTransportFailureStillConfirms(t *testing.T) {
	base := baseRequest(t)
	m1 := mutate(base, "id", "x")
	sender := newFakeSender(ok200, map[string]outcome{
		m1.Request.String(): timeout,
		base.String():       refused,
	})
	h := newHarness(sender, []mutation.Mutation{m1})

	require.NoError(t, h.attack.Attack(context.Background(), base))
	assert.Len(t, h.sink.vulnerabilities, 1)
	assert.Zero(t, h.counter.Load())
}

func TestOneAnomalyPerBaseRequest(t *testing.T) {
	base := baseRequest(t)
	muts := []mutation.Mutation{
		mutate(base, "id", "a"), mutate(base, "id", "b"), mutate(base, "name", "c"),
	}
	h := newHarness(newFakeSender(err500, nil), muts)

	require.NoError(t, h.attack.Attack(context.Background(), base))
	assert.Len(t, h.sender.sent, 3)
	require.Len(t, h.sink.anomalies, 1)
	anomaly := h.sink.anomalies[0]
	assert.Equal(t, report.CategoryInternalError, anomaly.Category)
	assert.Equal(t, report.SeverityHigh, anomaly.Severity)
	assert.Equal(t, "id", anomaly.Parameter)
	assert.Equal(t, "The server responded with a 500 HTTP error code while attempting to inject a payload in the parameter id", anomaly.Info)
	assert.Empty(t, h.sink.vulnerabilities)

	require.Len(t, h.console.anomalies, 1)
	assert.True(t, strings.HasPrefix(h.console.anomalies[0], "Received a HTTP 500 error in http://target.local/item.php\n"))
}

func TestNetworkErrorsAreCountedAndSkipped(t *testing.T) {
	base := baseRequest(t)
	m1 := mutate(base, "id", "a")
	m2 := mutate(base, "id", "b")
	m3 := mutate(base, "name", "c")
	sender := newFakeSender(ok200, map[string]outcome{
		m1.Request.String(): refused,
		m2.Request.String(): refused,
	})
	h := newHarness(sender, []mutation.Mutation{m1, m2, m3})

	require.NoError(t, h.attack.Attack(context.Background(), base))
	assert.Equal(t, int64(2), h.counter.Load())
	assert.Equal(t, int64(2), h.attack.NetworkErrors())
	assert.Len(t, h.sender.sent, 3)
	assert.Empty(t, h.sink.vulnerabilities)
	assert.Empty(t, h.sink.anomalies)
}

func TestNetworkErrorCounterIsShared(t *testing.T) {
	base := baseRequest(t)
	m1 := mutate(base, "id", "a")
	shared := new(atomic.Int64)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attack := NewTimeSQL(TimeSQLOptions{
				Sender:        newFakeSender(refused, nil),
				Mutator:       &fakeMutator{mutations: []mutation.Mutation{m1}},
				Sink:          &fakeSink{},
				NetworkErrors: shared,
			})
			assert.NoError(t, attack.Attack(context.Background(), base))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), shared.Load())
}

func TestQueryStringMessages(t *testing.T) {
	base, err := networking.NewRequest("GET", "http://target.local/index.php", nil)
	require.NoError(t, err)
	m1 := mutate(base, mutation.QueryStringParameter, "sleep%287%29")
	m2 := mutate(base, mutation.QueryStringParameter, "other")
	sender := newFakeSender(ok200, map[string]outcome{
		m1.Request.String(): err500,
		m2.Request.String(): timeout,
	})
	h := newHarness(sender, []mutation.Mutation{m1, m2})

	require.NoError(t, h.attack.Attack(context.Background(), base))
	require.Len(t, h.sink.anomalies, 1)
	assert.Equal(t, report.MsgQS500, h.sink.anomalies[0].Info)
	require.Len(t, h.sink.vulnerabilities, 1)
	assert.Equal(t, "Blind SQL vulnerability in http://target.local/index.php via injection in the query string",
		h.sink.vulnerabilities[0].Info)
}

func TestInterleavedParametersUseLastSeenState(t *testing.T) {
	base := baseRequest(t)
	m1 := mutate(base, "id", "a")
	m2 := mutate(base, "name", "b")
	m3 := mutate(base, "id", "c")
	sender := newFakeSender(ok200, map[string]outcome{m1.Request.String(): timeout})
	h := newHarness(sender, []mutation.Mutation{m1, m2, m3})

	require.NoError(t, h.attack.Attack(context.Background(), base))
	// the state of "id" was forgotten when "name" came in, so m3 is sent
	assert.Contains(t, h.sender.sent, m3.Request.String())
	assert.Len(t, h.sink.vulnerabilities, 1)
}

func TestIdempotentFindings(t *testing.T) {
	run := func() ([]report.Finding, []report.Finding) {
		base := baseRequest(t)
		m1 := mutate(base, "id", "a")
		m2 := mutate(base, "name", "b")
		m3 := mutate(base, "name", "c")
		sender := newFakeSender(ok200, map[string]outcome{
			m1.Request.String(): timeout,
			m2.Request.String(): err500,
		})
		h := newHarness(sender, []mutation.Mutation{m1, m2, m3})
		require.NoError(t, h.attack.Attack(context.Background(), base))
		return h.sink.vulnerabilities, h.sink.anomalies
	}

	v1, a1 := run()
	v2, a2 := run()
	require.Len(t, v1, 1)
	require.Len(t, a1, 1)
	assert.Equal(t, v1, v2)
	assert.Equal(t, a1, a2)
}

func TestVerboseLogsEveryMutation(t *testing.T) {
	base := baseRequest(t)
	m1 := mutate(base, "id", "a")
	h := newHarness(newFakeSender(ok200, nil), []mutation.Mutation{m1})
	h.attack.verbosity = 2

	require.NoError(t, h.attack.Attack(context.Background(), base))
	assert.Equal(t, []string{"[¨] " + m1.Request.String()}, h.logger.infos)
}

func TestCancelledContextStopsAttack(t *testing.T) {
	base := baseRequest(t)
	m1 := mutate(base, "id", "a")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := newHarness(newFakeSender(noOutcome, nil), []mutation.Mutation{m1})

	err := h.attack.Attack(ctx, base)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.sender.sent)
	assert.Zero(t, h.counter.Load())
}

func TestSetTimeoutRendersPayloads(t *testing.T) {
	attack := NewTimeSQL(TimeSQLOptions{Payloads: []string{"sleep([TIME])#"}})
	assert.Equal(t, DefaultTimeoutSeconds+1, attack.TimeToSleep())

	attack.SetTimeout(4)
	assert.Equal(t, 5, attack.TimeToSleep())
	assert.Equal(t, []string{"sleep(5)#"}, attack.payloads)
	assert.Equal(t, 4*time.Second, attack.timeout)
	assert.Equal(t, "timesql", attack.Name())
}

// TestAttackAgainstSleepingServer runs the real transport and mutator against a server
// that sleeps when the id parameter carries a sleep payload.
func TestAttackAgainstSleepingServer(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.Contains(r.URL.Query().Get("id"), "sleep(") {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.GetDefaultConfig()
	cfg.MaxRetries = 0
	logger := &utils.NoOpLogger{}
	client, err := networking.NewClient(cfg, nil, logger)
	require.NoError(t, err)

	sink := report.NewReporter(logger)
	attack := NewTimeSQL(TimeSQLOptions{
		Sender:   client,
		Mutator:  mutation.New(mutation.Options{}),
		Sink:     sink,
		Logger:   logger,
		Payloads: []string{"sleep([TIME])#", "1 or sleep([TIME])#", "plain"},
	})
	attack.SetTimeout(1)

	base, err := networking.NewRequest("GET", server.URL+"/item.php?id=1&name=bob", nil)
	require.NoError(t, err)

	require.NoError(t, attack.Attack(context.Background(), base))

	findings := sink.Findings()
	require.Len(t, findings, 1)
	assert.Equal(t, "id", findings[0].Parameter)
	assert.Equal(t, report.KindVulnerability, findings[0].Kind)
	assert.Contains(t, findings[0].Evidence, "sleep%282%29")
	// id: first payload + control probe, name: three payloads
	assert.Equal(t, int32(5), hits.Load())
}
