package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Defaults used when a Config field is zero.
const (
	DefaultReadTimeout  = time.Second
	DefaultWriteTimeout = 5 * time.Second
	DefaultIdleCycles   = 2
	DefaultObserveLimit = 1 << 20
)

type Config struct {
	// ReadTimeout bounds every read and is the length of one idle cycle.
	ReadTimeout time.Duration
	// WriteTimeout bounds every write.
	WriteTimeout time.Duration
	// IdleCycles is the number of consecutive idle cycles that ends the relay.
	IdleCycles int
	// ObserveLimit caps how many downstream bytes Result.Observed keeps.
	// Negative disables capture.
	ObserveLimit int
}

func (c Config) readTimeout() time.Duration {
	if c.ReadTimeout <= 0 {
		return DefaultReadTimeout
	}
	return c.ReadTimeout
}

func (c Config) writeTimeout() time.Duration {
	if c.WriteTimeout <= 0 {
		return DefaultWriteTimeout
	}
	return c.WriteTimeout
}

// Threshold returns the idle cycle count that ends a relay, never less than 1.
func (c Config) Threshold() int {
	if c.IdleCycles < 1 {
		return 1
	}
	return c.IdleCycles
}

// Result describes a finished relay.
type Result struct {
	// Observed holds bytes that flowed from outbound to inbound, up to
	// Config.ObserveLimit. It is nil when the relay was aborted.
	Observed []byte
	// Downstream counts bytes written to inbound, Upstream bytes written to
	// outbound.
	Downstream int64
	Upstream   int64
	// Cycles is the number of cycles the idle clock ran.
	Cycles int
	// Aborted is set when ctx ended the relay before it went idle.
	Aborted bool
}

// Relay copies outbound to inbound and inbound to outbound until the
// connection has been idle for cfg.Threshold() cycles, both directions have
// finished, or ctx is done. Transport errors end only the direction they
// occur on and are logged at debug level; Relay never fails. The caller
// keeps ownership of both connections and must close them.
func Relay(ctx context.Context, inbound, outbound net.Conn, cfg Config, log logrus.FieldLogger) Result {
	if log == nil {
		log = logrus.StandardLogger()
	}

	var (
		stopped atomic.Bool
		down    = &pump{name: "downstream", src: outbound, dst: inbound, cfg: cfg, stopped: &stopped, log: log}
		up      = &pump{name: "upstream", src: inbound, dst: outbound, cfg: cfg, stopped: &stopped, log: log}
	)
	if cfg.ObserveLimit >= 0 {
		down.observe = true
		down.limit = cfg.ObserveLimit
		if down.limit == 0 {
			down.limit = DefaultObserveLimit
		}
	}

	var g errgroup.Group
	finished := make(chan struct{})
	g.Go(down.run)
	g.Go(up.run)
	go func() {
		_ = g.Wait()
		close(finished)
	}()

	var (
		res       Result
		idle      int
		threshold = cfg.Threshold()
	)

	ticker := time.NewTicker(cfg.readTimeout())
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			res.Aborted = true
			break loop
		case <-finished:
			break loop
		case <-ticker.C:
			res.Cycles++
			moved := down.moved.Swap(0) + up.moved.Swap(0)
			if moved > 0 || down.writing.Load() || up.writing.Load() {
				idle = 0
				continue
			}
			idle++
			if idle >= threshold {
				break loop
			}
		}
	}

	stopped.Store(true)
	now := time.Now()
	for _, c := range []net.Conn{inbound, outbound} {
		// Connections without deadline support (SSH channels) can only be
		// unblocked by closing them.
		if err := c.SetDeadline(now); err != nil {
			_ = c.Close()
		}
	}
	<-finished

	res.Downstream = down.total
	res.Upstream = up.total
	if res.Aborted {
		log.WithError(ctx.Err()).Warn("pipe data aborted")
		return res
	}
	res.Observed = down.observed
	return res
}

type pump struct {
	name     string
	src, dst net.Conn
	cfg      Config
	stopped  *atomic.Bool
	log      logrus.FieldLogger

	// moved counts bytes read since the idle clock last looked.
	moved atomic.Int64
	// writing is set while a write is blocked on a slow peer; the write is
	// bounded by WriteTimeout instead of the idle clock.
	writing atomic.Bool
	total   int64

	observe  bool
	limit    int
	observed []byte
}

// run copies src to dst until src is exhausted, a transfer fails, or the
// relay is stopped. It always returns nil so one direction failing does not
// cancel the other.
func (p *pump) run() error {
	bp := buffers.Get()
	defer buffers.Put(bp)
	buf := *bp

	for !p.stopped.Load() {
		_ = p.src.SetReadDeadline(time.Now().Add(p.cfg.readTimeout()))
		// Stop may have cleared deadlines between the check above and the
		// one just set.
		if p.stopped.Load() {
			return nil
		}
		n, err := p.src.Read(buf)
		if n > 0 {
			p.moved.Add(int64(n))
			if !p.write(buf[:n]) {
				return nil
			}
		}
		switch {
		case err == nil:
		case isTimeout(err):
		case errors.Is(err, io.EOF):
			p.log.Debugf("%s finished", p.name)
			return nil
		default:
			if !p.stopped.Load() {
				p.log.WithError(err).Debugf("%s read failed", p.name)
			}
			return nil
		}
	}
	return nil
}

// write sends b to dst, reporting whether the direction can continue.
func (p *pump) write(b []byte) bool {
	p.writing.Store(true)
	defer p.writing.Store(false)

	_ = p.dst.SetWriteDeadline(time.Now().Add(p.cfg.writeTimeout()))
	if p.stopped.Load() {
		return false
	}
	n, err := p.dst.Write(b)
	p.total += int64(n)
	p.keep(b[:n])
	if err != nil {
		if !p.stopped.Load() {
			p.log.WithError(err).Debugf("%s write failed", p.name)
		}
		return false
	}
	return true
}

func (p *pump) keep(b []byte) {
	if !p.observe {
		return
	}
	if room := p.limit - len(p.observed); room > 0 {
		if len(b) > room {
			b = b[:room]
		}
		p.observed = append(p.observed, b...)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
