package session

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"Droidlink/pkg/adb"
	"Droidlink/pkg/executor"
	"Droidlink/pkg/logging"
)

// Monitor probes every session each interval and removes the ones whose
// device went away. It returns when ctx is cancelled.
func (r *Registry) Monitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Debug("session").Dur("interval", interval).Msg("Liveness monitor started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep probes all sessions once and returns the serials it removed.
func (r *Registry) Sweep(ctx context.Context) []string {
	sessions := r.snapshot()
	lost := make([]bool, len(sessions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.exec.Workers())
	for i, s := range sessions {
		g.Go(func() error {
			lost[i] = !r.probe(gctx, s)
			return nil
		})
	}
	_ = g.Wait()

	var removed []string
	for i, s := range sessions {
		if lost[i] && r.Evict(ctx, s, "liveness lost") {
			removed = append(removed, s.Serial)
		}
	}
	return removed
}

func (r *Registry) probe(ctx context.Context, s *Session) bool {
	p, ok := s.Transport.(adb.Prober)
	if !ok {
		alive := s.Transport.Available()
		if alive {
			s.markSeen()
		}
		return alive
	}
	alive, err := executor.Run(ctx, r.exec, "probe", r.connectTimeout, func(c context.Context) (bool, error) {
		return p.Probe(c), nil
	})
	if err != nil {
		// a probe that timed out says nothing about the device
		logging.Debug("session").Err(err).Str("serial", s.Serial).Msg("Probe did not finish")
		return true
	}
	if alive {
		s.markSeen()
	}
	return alive
}

// ReconnectKnown connects to every remembered network device and returns the
// serials that came back. Failures are logged and skipped.
func (r *Registry) ReconnectKnown(ctx context.Context) []string {
	if r.known == nil {
		return nil
	}
	var connected []string
	for _, d := range r.known.Known() {
		host, portStr, err := net.SplitHostPort(d.Serial)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		serial, err := r.ConnectTCP(ctx, host, port)
		if err != nil {
			logging.Warn("session").Err(err).Str("serial", d.Serial).Msg("Known device did not reconnect")
			continue
		}
		connected = append(connected, serial)
	}
	return connected
}
