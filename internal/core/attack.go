package core

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/rafabd1/nightshade/internal/mutation"
	"github.com/rafabd1/nightshade/internal/networking"
)

// ErrTooMuchLag aborts an attack when the unmodified request times out as well.
var ErrTooMuchLag = errors.New("too much lag from website, can't reliably test time-based blind SQL")

// Attack is a detector run against base requests.
type Attack interface {
	Name() string
	// SetTimeout sets the transport deadline in seconds. Payloads ask the backend to sleep one second longer.
	SetTimeout(seconds int)
	// Attack runs every mutation of req. It returns nil once the sequence is exhausted.
	Attack(ctx context.Context, req *networking.Request) error
}

// Sender sends a request with a deadline. Deadline hits are reported as errors wrapping networking.ErrTimeout.
type Sender interface {
	Send(ctx context.Context, req *networking.Request, timeout time.Duration) (*networking.Response, error)
}

// Mutator yields the injected variants of a request, grouped by parameter.
type Mutator interface {
	Mutate(req *networking.Request, payloads []string) iter.Seq[mutation.Mutation]
}

// Console shows findings to the user as they are found.
type Console interface {
	Vulnerability(title, evil string)
	Anomaly(title, evil string)
	Warning(msg string)
}

type noopConsole struct{}

func (noopConsole) Vulnerability(string, string) {}
func (noopConsole) Anomaly(string, string)       {}
func (noopConsole) Warning(string)               {}
