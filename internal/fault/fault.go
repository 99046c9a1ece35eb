// Package fault reports allocation failures. A Reporter is created once at
// process startup and handed to every component that may hit a size limit.
package fault

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
)

// ErrOutOfMemory is returned under PolicyReturn.
var ErrOutOfMemory = errors.New("out of memory")

// Policy decides what happens after an allocation failure has been logged.
type Policy int

const (
	// PolicyReturn hands ErrOutOfMemory back to the caller.
	PolicyReturn Policy = iota
	// PolicyAbort terminates the process with exit code 2.
	PolicyAbort
)

// ParsePolicy maps "abort" and "return" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "return":
		return PolicyReturn, nil
	case "abort":
		return PolicyAbort, nil
	}
	return PolicyReturn, fmt.Errorf("unknown out-of-memory policy %q", s)
}

// Reporter logs the first allocation failure and applies the policy.
type Reporter struct {
	policy   Policy
	logger   *slog.Logger
	reported atomic.Bool
	exit     func(int)
}

// NewReporter creates a reporter. Exit is os.Exit unless replaced with WithExit.
func NewReporter(policy Policy, logger *slog.Logger) *Reporter {
	return &Reporter{
		policy: policy,
		logger: logger.With("component", "fault_reporter"),
		exit:   os.Exit,
	}
}

// WithExit replaces the function used to terminate the process.
func (r *Reporter) WithExit(exit func(int)) *Reporter {
	r.exit = exit
	return r
}

// Report records that an allocation of size bytes could not be satisfied.
// Only the first report is logged, even if reporting itself recurses.
func (r *Reporter) Report(size uint64, secure bool) error {
	if r.reported.CompareAndSwap(false, true) {
		if secure {
			r.logger.Error(fmt.Sprintf("out of core in secure memory while allocating %d bytes", size))
		} else {
			r.logger.Error(fmt.Sprintf("out of core while allocating %d bytes", size))
		}
	}
	if r.policy == PolicyAbort {
		r.exit(2)
	}
	return fmt.Errorf("%w: allocation of %d bytes", ErrOutOfMemory, size)
}

// Reported reports whether a failure has been logged.
func (r *Reporter) Reported() bool {
	return r.reported.Load()
}
