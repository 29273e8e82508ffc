// Package readiness performs the optional readiness gate a service's
// configuration may declare (http/tcp/log). It does not change the
// supervisor engine's Starting->Running transition (spec §4.6 is unchanged);
// it only resolves the process's Ready() channel, an observational signal
// the control adapters and tests can wait on. Grounded on
// internal/app/readiness/{readiness,http,port}.go.
package readiness

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"regexp"
	"time"

	"overseer/internal/config"
	"overseer/internal/config/logger"
	"overseer/internal/core/configreg"
	"overseer/internal/core/errors"
	"overseer/internal/core/process"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultInterval = 500 * time.Millisecond
)

// Checker runs a service's configured readiness check, if any, and resolves
// proc.Ready() with the result.
type Checker interface {
	Check(ctx context.Context, svc *configreg.Service, proc process.Process)
}

type checker struct {
	log logger.Logger
}

// New creates a Checker that logs its outcome.
func New(log logger.Logger) Checker {
	return &checker{log: log.WithComponent("READINESS")}
}

func (c *checker) Check(ctx context.Context, svc *configreg.Service, proc process.Process) {
	r := svc.Readiness
	if r == nil {
		proc.SignalReady(nil)
		return
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	interval := r.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	ctx, cancel := c.contextWithDone(ctx, proc.Done())
	defer cancel()

	var err error

	switch r.Type {
	case config.TypeHTTP:
		err = c.checkHTTP(ctx, r.URL, timeout, interval)
	case config.TypeTCP:
		err = c.checkTCP(ctx, r.Address, timeout, interval)
	case config.TypeLog:
		err = c.checkLog(ctx, r.Pattern, svc.Stdout, svc.Stderr, timeout)
	default:
		err = fmt.Errorf("%w: %s", errors.ErrInvalidReadinessType, r.Type)
	}

	if err != nil {
		c.log.Warn().Str("service", svc.Name).Err(err).Msg("readiness check failed")
	} else {
		c.log.Info().Str("service", svc.Name).Msg("service is ready")
	}

	proc.SignalReady(err)
}

func (c *checker) checkHTTP(ctx context.Context, url string, timeout, interval time.Duration) error {
	client := &http.Client{Timeout: interval}
	deadline := time.Now().Add(timeout)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: http check after %v", errors.ErrReadinessTimedOut, timeout)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err == nil {
			resp, err := client.Do(req)
			if err == nil {
				resp.Body.Close()

				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *checker) checkTCP(ctx context.Context, address string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: tcp check after %v", errors.ErrReadinessTimedOut, timeout)
		}

		conn, err := net.DialTimeout("tcp", address, interval)
		if err == nil {
			conn.Close()
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// checkLog tails the service's own stdout/stderr log files for a line
// matching pattern. Since the executor redirects a child's streams straight
// to those files (spec §4.4), readiness watches the files instead of a pipe.
func (c *checker) checkLog(ctx context.Context, pattern, stdoutPath, stderrPath string, timeout time.Duration) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrInvalidReadinessType, err)
	}

	matched := make(chan struct{}, 1)

	go tailFile(ctx, stdoutPath, re, matched)
	go tailFile(ctx, stderrPath, re, matched)

	select {
	case <-matched:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("%w: log pattern check after %v", errors.ErrReadinessTimedOut, timeout)
	}
}

// tailFile polls path for new lines and reports the first match on matched.
func tailFile(ctx context.Context, path string, re *regexp.Regexp, matched chan<- struct{}) {
	if path == "" {
		return
	}

	const pollInterval = 100 * time.Millisecond

	var (
		f   *os.File
		err error
	)

	for f == nil {
		f, err = os.Open(path)
		if err == nil {
			break
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}

	defer f.Close()

	reader := bufio.NewReader(f)

	for {
		line, err := reader.ReadString('\n')
		if len(line) > 0 && re.MatchString(line) {
			select {
			case matched <- struct{}{}:
			default:
			}

			return
		}

		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}
	}
}

// contextWithDone cancels the returned context when either ctx is done or
// the process's Done() channel closes (the child exited before becoming
// ready).
func (c *checker) contextWithDone(ctx context.Context, done <-chan struct{}) (context.Context, context.CancelFunc) {
	newCtx, cancel := context.WithCancel(ctx)

	stopped := make(chan struct{})

	go func() {
		select {
		case <-done:
			cancel()
		case <-newCtx.Done():
		}

		close(stopped)
	}()

	return newCtx, func() {
		cancel()
		<-stopped
	}
}

type noOpChecker struct{}

// NoOp returns a Checker that signals every process ready immediately,
// used by the executor when it is given no Checker.
func NoOp() Checker { return noOpChecker{} }

func (noOpChecker) Check(_ context.Context, _ *configreg.Service, proc process.Process) {
	proc.SignalReady(nil)
}
