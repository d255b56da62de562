// Package mndp listens for MikroTik Neighbor Discovery broadcasts on UDP 5678
// and forwards each valid announcement as a discovery frame.
package mndp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pilot-net/topomon/pkg/types"
	"github.com/pilot-net/topomon/pkg/wire"
)

const maxPacket = 1500

// Config holds listener settings.
type Config struct {
	Listen    string // UDP address, e.g. ":5678"
	Interface string // Receiving interface name reported on frames

	// Identity of the receiving device. SystemName defaults to the collector ID.
	LocalChassisID  string
	LocalSystemName string
	CollectorID     string
}

// FrameHandler receives frames built from announcements.
type FrameHandler func(frames []types.Frame)

// Listener receives MNDP announcements.
type Listener struct {
	cfg     Config
	handler FrameHandler
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	conn net.PacketConn

	received atomic.Int64
	invalid  atomic.Int64
}

// New creates a listener. Nothing is bound until Bind or Run.
func New(cfg Config, handler FrameHandler, logger *slog.Logger) *Listener {
	if cfg.Listen == "" {
		cfg.Listen = fmt.Sprintf(":%d", wire.MNDPPort)
	}
	if cfg.LocalSystemName == "" {
		cfg.LocalSystemName = cfg.CollectorID
	}
	return &Listener{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "mndp"),
		now:     time.Now,
	}
}

// Bind opens the UDP socket.
func (l *Listener) Bind() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return nil
	}
	conn, err := net.ListenPacket("udp4", l.cfg.Listen)
	if err != nil {
		return fmt.Errorf("binding %s: %w", l.cfg.Listen, err)
	}
	l.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Bind.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Run reads announcements until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Bind(); err != nil {
		return err
	}
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	l.logger.Info("mndp listener started", "listen", conn.LocalAddr().String(), "interface", l.cfg.Interface)

	buf := make([]byte, maxPacket)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.logger.Info("mndp listener stopped")
				return ctx.Err()
			}
			l.logger.Warn("mndp read failed", "error", err)
			continue
		}
		l.handle(buf[:n], from)
	}
}

func (l *Listener) handle(packet []byte, from net.Addr) {
	l.received.Add(1)

	pdu, err := wire.DecodeMNDP(packet)
	if err != nil {
		l.invalid.Add(1)
		l.logger.Debug("dropping invalid mndp packet", "from", from.String(), "error", err)
		return
	}

	payload := make([]byte, len(packet))
	copy(payload, packet)

	l.logger.Debug("mndp announcement",
		"from", from.String(),
		"identity", pdu.Identity,
		"mac", pdu.MAC)

	if l.handler != nil {
		l.handler([]types.Frame{{
			Protocol:        types.ProtocolMDP,
			Interface:       l.cfg.Interface,
			LocalChassisID:  l.cfg.LocalChassisID,
			LocalSystemName: l.cfg.LocalSystemName,
			CollectorID:     l.cfg.CollectorID,
			Payload:         payload,
			ReceivedAt:      l.now(),
		}})
	}
}

// Stats reports packet counters.
type Stats struct {
	Received int64 `json:"received"`
	Invalid  int64 `json:"invalid"`
}

func (l *Listener) Stats() Stats {
	return Stats{Received: l.received.Load(), Invalid: l.invalid.Load()}
}
