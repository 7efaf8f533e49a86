// Package replay feeds a stream of NDJSON action events into a recorder
// from a pool of concurrent workers.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/actionstats/internal/stats"
)

// maxLineBytes caps a single NDJSON line.
const maxLineBytes = 1 << 20

// Recorder records one raw action event.
type Recorder interface {
	Record(ctx context.Context, raw []byte) error
}

// Options tune a replay run.
type Options struct {
	// Workers is the number of goroutines recording concurrently.
	// Defaults to 1.
	Workers int

	// Retries is how many times a retryable failure is retried before the
	// line is dropped.
	Retries int

	// Backoff is the base delay between retries, multiplied by the
	// attempt number. Defaults to 10ms.
	Backoff time.Duration
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}

	if o.Retries < 0 {
		o.Retries = 0
	}

	if o.Backoff <= 0 {
		o.Backoff = 10 * time.Millisecond
	}
}

// Result counts the outcome of every non-blank line.
type Result struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Dropped  uint64 `json:"dropped"`
}

type counters struct {
	accepted atomic.Uint64
	rejected atomic.Uint64
	dropped  atomic.Uint64
}

// Run reads r line by line and records each non-blank line. Parse errors
// count as rejected; retryable errors are retried with linear backoff and
// count as dropped once retries are exhausted. Run returns early with an
// error if reading fails or ctx is cancelled; lines already queued are
// still counted.
func Run(
	ctx context.Context,
	log logrus.FieldLogger,
	rec Recorder,
	r io.Reader,
	opts Options,
) (Result, error) {
	opts.applyDefaults()

	log = log.WithField("component", "replay")

	var (
		c     counters
		wg    sync.WaitGroup
		lines = make(chan []byte, opts.Workers*4)
	)

	for range opts.Workers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for line := range lines {
				recordLine(ctx, log, rec, line, opts, &c)
			}
		}()
	}

	scanErr := scan(ctx, r, lines)

	close(lines)
	wg.Wait()

	res := Result{
		Accepted: c.accepted.Load(),
		Rejected: c.rejected.Load(),
		Dropped:  c.dropped.Load(),
	}

	log.WithFields(logrus.Fields{
		"accepted": res.Accepted,
		"rejected": res.Rejected,
		"dropped":  res.Dropped,
		"workers":  opts.Workers,
	}).Info("Replay finished")

	return res, scanErr
}

func scan(ctx context.Context, r io.Reader, lines chan<- []byte) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		// Scanner reuses its buffer.
		owned := bytes.Clone(line)

		select {
		case lines <- owned:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	return nil
}

func recordLine(
	ctx context.Context,
	log logrus.FieldLogger,
	rec Recorder,
	line []byte,
	opts Options,
	c *counters,
) {
	for attempt := 0; ; attempt++ {
		err := rec.Record(ctx, line)

		switch {
		case err == nil:
			c.accepted.Add(1)

			return
		case !errors.Is(err, stats.ErrRetryable):
			log.WithError(err).Debug("Rejected line")
			c.rejected.Add(1)

			return
		case attempt >= opts.Retries:
			log.WithError(err).Debug("Dropped line after retries")
			c.dropped.Add(1)

			return
		}

		select {
		case <-time.After(time.Duration(attempt+1) * opts.Backoff):
		case <-ctx.Done():
			c.dropped.Add(1)

			return
		}
	}
}
