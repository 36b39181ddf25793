package msread

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sushant-115/hvac/core/storage_engine/tiered_storage"
	internaltelemetry "github.com/sushant-115/hvac/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ReadResult is what a transport reports for one sub-request. N is the
// number of bytes written into the buffer handed to SubmitRead.
type ReadResult struct {
	N   int
	Err error
}

// Pending is an in-flight sub-request.
type Pending interface {
	// Release frees transport resources held for the request and cancels it
	// if it is still running. It is safe to call more than once.
	Release()
}

// Transport issues asynchronous reads against tier servers. onComplete must
// be called exactly once, from any goroutine, and may run before SubmitRead
// returns.
type Transport interface {
	SubmitRead(ctx context.Context, src Source, buf []byte, offset int64, onComplete func(ReadResult)) Pending
}

// TierLocator tells the coordinator which tier currently holds a path.
type TierLocator interface {
	GetTier(path string) tiered_storage.StorageTierType
}

// Outcome is the state of one sub-request inside a race.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Config tunes the coordinator.
type Config struct {
	// Timeout bounds a single tracked read; zero leaves it to the caller's
	// context.
	Timeout time.Duration
	// LocalFallback adds the local descriptor as a RemoteTier source to
	// every race that has none.
	LocalFallback bool
}

// Coordinator resolves reads on tracked descriptors by racing all sources.
type Coordinator struct {
	config    Config
	table     *DescriptorTable
	transport Transport
	locator   TierLocator
	logger    *zap.Logger
	metrics   *internaltelemetry.CacheMetrics
	tracer    trace.Tracer
}

// NewCoordinator creates a Coordinator. locator, metrics and tracer may be
// nil; without a locator the tier recorded at open time selects the sources.
func NewCoordinator(config Config, table *DescriptorTable, transport Transport, locator TierLocator,
	logger *zap.Logger, metrics *internaltelemetry.CacheMetrics, tracer trace.Tracer) *Coordinator {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	return &Coordinator{
		config:    config,
		table:     table,
		transport: transport,
		locator:   locator,
		logger:    logger.Named("msread"),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// Table returns the descriptor table the coordinator reads from.
func (c *Coordinator) Table() *DescriptorTable { return c.table }

type sourceResult struct {
	idx int
	res ReadResult
}

// Read fills buf from fd at offset (-1 reads at the current position). An
// untracked fd is read directly. For a tracked fd the first successful
// source wins; the call fails only after every source failed. Sequential
// reads on a tracked fd are sent as positional reads at the position kept
// in the descriptor table, which only the winner advances.
func (c *Coordinator) Read(ctx context.Context, fd int, buf []byte, offset int64) (int, error) {
	file, ok := c.table.Lookup(fd)
	if !ok {
		return readLocal(fd, buf, offset)
	}
	if len(buf) == 0 {
		return 0, nil
	}
	sequential := offset == -1
	if sequential {
		offset = file.Offset
	}

	sources := c.plan(fd, file)
	if len(sources) == 0 {
		return -1, fmt.Errorf("%w: no sources for %s", ErrAllSourcesFailed, file.Path)
	}

	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}
	ctx, span := c.tracer.Start(ctx, "msread.Read", trace.WithAttributes(
		attribute.String("hvac.path", file.Path),
		attribute.Int("hvac.sources", len(sources)),
		attribute.Int("hvac.count", len(buf)),
		attribute.Int64("hvac.offset", offset),
	))
	defer span.End()
	start := time.Now()

	// Every source gets its own scratch buffer; only the winner's bytes are
	// copied into buf, so a late loser can never touch the caller's memory.
	results := make(chan sourceResult, len(sources))
	scratch := make([][]byte, len(sources))
	pending := make([]Pending, 0, len(sources))
	defer func() {
		for _, p := range pending {
			p.Release()
		}
	}()

	for i, src := range sources {
		scratch[i] = make([]byte, len(buf))
		onComplete := func(r ReadResult) { results <- sourceResult{idx: i, res: r} }
		if src.Server == LocalServer {
			pending = append(pending, c.submitLocal(src, scratch[i], offset, onComplete))
			continue
		}
		pending = append(pending, c.transport.SubmitRead(ctx, src, scratch[i], offset, onComplete))
	}

	outcomes := make([]Outcome, len(sources))
	var errs *multierror.Error
	for remaining := len(sources); remaining > 0; {
		select {
		case r := <-results:
			remaining--
			src := sources[r.idx]
			if r.res.Err == nil && r.res.N >= 0 {
				outcomes[r.idx] = OutcomeSuccess
				n := copy(buf, scratch[r.idx][:min(r.res.N, len(buf))])
				if sequential {
					c.table.advance(fd, n)
				}
				span.SetAttributes(attribute.String("hvac.winner", string(src.Tier)))
				span.SetStatus(otelcodes.Ok, "Success")
				c.metrics.RaceResolved(ctx, string(src.Tier), time.Since(start))
				c.logger.Debug("Read resolved",
					zap.String("path", file.Path),
					zap.String("winner", string(src.Tier)),
					zap.Int("server", src.Server),
					zap.Int("bytes", n),
					zap.Stringers("outcomes", outcomes))
				return n, nil
			}
			outcomes[r.idx] = OutcomeFailure
			err := r.res.Err
			if err == nil {
				err = fmt.Errorf("negative byte count %d", r.res.N)
			}
			errs = multierror.Append(errs, fmt.Errorf("%s on server %d: %w", src.Tier, src.Server, err))
		case <-ctx.Done():
			span.SetStatus(otelcodes.Error, ctx.Err().Error())
			c.metrics.RaceResolved(ctx, "timeout", time.Since(start))
			c.logger.Warn("Read timed out",
				zap.String("path", file.Path),
				zap.Stringers("outcomes", outcomes),
				zap.Error(ctx.Err()))
			return -1, ctx.Err()
		}
	}

	span.SetStatus(otelcodes.Error, "all sources failed")
	c.metrics.RaceResolved(ctx, "none", time.Since(start))
	c.logger.Error("Read failed on every source", zap.String("path", file.Path), zap.Error(errs))
	return -1, fmt.Errorf("%w: %w", ErrAllSourcesFailed, errs)
}

// plan picks the sources to race: those on the tier the store says holds
// the file, in front, plus every RemoteTier source. When no source is on
// that tier, or the tier is not known, every source races.
func (c *Coordinator) plan(fd int, file TrackedFile) []Source {
	preferred := file.Tier
	if c.locator != nil {
		if t := c.locator.GetTier(file.Path); t.Valid() {
			preferred = t
		}
	}

	var sources []Source
	if preferred.Valid() {
		for _, s := range file.Sources {
			if s.Tier == preferred {
				sources = append(sources, s)
			}
		}
	}
	if len(sources) == 0 {
		sources = append(sources, file.Sources...)
	} else if preferred != tiered_storage.RemoteTier {
		for _, s := range file.Sources {
			if s.Tier == tiered_storage.RemoteTier {
				sources = append(sources, s)
			}
		}
	}

	if c.config.LocalFallback && !hasTier(sources, tiered_storage.RemoteTier) {
		sources = append(sources, Source{Tier: tiered_storage.RemoteTier, Server: LocalServer, RemoteFD: fd})
	}
	return sources
}

func hasTier(sources []Source, tier tiered_storage.StorageTierType) bool {
	for _, s := range sources {
		if s.Tier == tier {
			return true
		}
	}
	return false
}

// Seek moves the position of fd. Tracked descriptors keep their position
// in the table; anything else is passed to lseek(2).
func (c *Coordinator) Seek(fd int, offset int64, whence int) (int64, error) {
	if _, ok := c.table.Lookup(fd); ok {
		return c.table.Seek(fd, offset, whence)
	}
	return unix.Seek(fd, offset, whence)
}

type localPending struct{}

func (localPending) Release() {}

// submitLocal reads from the local descriptor on its own goroutine so it
// races like any other source.
func (c *Coordinator) submitLocal(src Source, buf []byte, offset int64, onComplete func(ReadResult)) Pending {
	go func() {
		n, err := readLocal(src.RemoteFD, buf, offset)
		onComplete(ReadResult{N: n, Err: err})
	}()
	return localPending{}
}

func readLocal(fd int, buf []byte, offset int64) (int, error) {
	var (
		n   int
		err error
	)
	if offset == -1 {
		n, err = unix.Read(fd, buf)
	} else {
		n, err = unix.Pread(fd, buf, offset)
	}
	if err != nil {
		return -1, err
	}
	return n, nil
}
