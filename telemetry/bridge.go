package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// wireMsg is one newline-delimited JSON message on the bridge socket.
// The bridge sends "telemetry" messages; we send "set_mode" commands and
// receive "ack" replies matched by id.
type wireMsg struct {
	Type    string  `json:"type"`
	ID      string  `json:"id,omitempty"`
	OK      bool    `json:"ok,omitempty"`
	Error   string  `json:"error,omitempty"`
	Mode    string  `json:"mode,omitempty"`
	ModeNum int     `json:"mode_num,omitempty"`
	Sample  *Sample `json:"sample,omitempty"`
}

// BridgeConfig tunes the autopilot bridge connection.
type BridgeConfig struct {
	Addr           string
	CommandTimeout time.Duration
	MaxRetries     int
	DialTimeout    time.Duration
	ReconnectDelay time.Duration
}

// Bridge talks to the autopilot over a TCP JSON-line socket. One reader
// goroutine owns the connection and fans acks out to waiting commands;
// writes are serialized by a mutex.
type Bridge struct {
	cfg  BridgeConfig
	dial func(ctx context.Context) (net.Conn, error)

	connected atomic.Bool

	sampleMu  sync.Mutex
	latest    Sample
	hasSample bool

	writeMu sync.Mutex
	conn    net.Conn

	pendMu  sync.Mutex
	pending map[string]chan wireMsg
}

// NewBridge creates a bridge for the given address. Start must be called
// before SetMode or Latest return anything useful.
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 3 * time.Second
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	b := &Bridge{
		cfg:     cfg,
		pending: make(map[string]chan wireMsg),
	}
	b.dial = func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: cfg.DialTimeout}
		return d.DialContext(ctx, "tcp", cfg.Addr)
	}
	return b
}

// Start runs the connect/read/reconnect loop until ctx is canceled.
func (b *Bridge) Start(ctx context.Context) {
	go b.run(ctx)
}

func (b *Bridge) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := b.dial(ctx)
		if err != nil {
			debugMsg("BRIDGE", fmt.Sprintf("connect to %s failed: %v, retrying in %v", b.cfg.Addr, err, b.cfg.ReconnectDelay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.cfg.ReconnectDelay):
			}
			continue
		}

		b.attach(conn)
		debugMsg("BRIDGE", fmt.Sprintf("connected to autopilot bridge at %s", b.cfg.Addr))

		b.readLoop(ctx, conn)

		b.detach(conn)
		debugMsg("BRIDGE", "autopilot link lost, reconnecting")
	}
}

func (b *Bridge) attach(conn net.Conn) {
	b.writeMu.Lock()
	b.conn = conn
	b.writeMu.Unlock()
	b.connected.Store(true)
}

func (b *Bridge) detach(conn net.Conn) {
	b.connected.Store(false)
	b.writeMu.Lock()
	if b.conn == conn {
		b.conn = nil
	}
	b.writeMu.Unlock()
	conn.Close()
}

func (b *Bridge) readLoop(ctx context.Context, conn net.Conn) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		var msg wireMsg
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			debugMsg("BRIDGE", fmt.Sprintf("bad bridge message: %v", err))
			continue
		}

		switch msg.Type {
		case "telemetry":
			if msg.Sample != nil {
				b.sampleMu.Lock()
				b.latest = *msg.Sample
				b.hasSample = true
				b.sampleMu.Unlock()
			}
		case "ack":
			b.pendMu.Lock()
			ch, ok := b.pending[msg.ID]
			b.pendMu.Unlock()
			if ok {
				select {
				case ch <- msg:
				default:
				}
			}
		}
	}
}

// Latest implements Link.
func (b *Bridge) Latest() (Sample, bool) {
	b.sampleMu.Lock()
	defer b.sampleMu.Unlock()
	return b.latest, b.hasSample
}

// Connected implements Link.
func (b *Bridge) Connected() bool {
	return b.connected.Load()
}

// SetMode implements Link. Each attempt sends a fresh command id and waits
// for its ack within the command deadline; after MaxRetries misses the
// caller gets ErrCommandTimeout.
func (b *Bridge) SetMode(ctx context.Context, mode string) error {
	num, ok := ModeNumber(mode)
	if !ok {
		return fmt.Errorf("unknown flight mode %q", mode)
	}

	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxRetries; attempt++ {
		if !b.connected.Load() {
			return fmt.Errorf("set mode %s: %w", mode, ErrLinkLost)
		}

		id := uuid.NewString()
		ack := make(chan wireMsg, 1)
		b.pendMu.Lock()
		b.pending[id] = ack
		b.pendMu.Unlock()

		err := b.send(wireMsg{Type: "set_mode", ID: id, Mode: mode, ModeNum: num})
		if err != nil {
			b.dropPending(id)
			lastErr = err
			debugMsg("BRIDGE", fmt.Sprintf("set_mode %s send failed (attempt %d/%d): %v", mode, attempt, b.cfg.MaxRetries, err))
			continue
		}

		timer := time.NewTimer(b.cfg.CommandTimeout)
		select {
		case msg := <-ack:
			timer.Stop()
			b.dropPending(id)
			if !msg.OK {
				return fmt.Errorf("set mode %s: %w: %s", mode, ErrCommandRejected, msg.Error)
			}
			debugMsg("BRIDGE", fmt.Sprintf("mode %s acked (attempt %d)", mode, attempt))
			return nil
		case <-timer.C:
			b.dropPending(id)
			lastErr = ErrCommandTimeout
			debugMsg("BRIDGE", fmt.Sprintf("set_mode %s ack timeout (attempt %d/%d)", mode, attempt, b.cfg.MaxRetries))
		case <-ctx.Done():
			timer.Stop()
			b.dropPending(id)
			return ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = ErrCommandTimeout
	}
	return fmt.Errorf("set mode %s after %d attempts: %w", mode, b.cfg.MaxRetries, lastErr)
}

func (b *Bridge) dropPending(id string) {
	b.pendMu.Lock()
	delete(b.pending, id)
	b.pendMu.Unlock()
}

func (b *Bridge) send(msg wireMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if b.conn == nil {
		return ErrLinkLost
	}
	_, err = b.conn.Write(data)
	return err
}
