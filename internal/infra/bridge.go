package infra

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/quietscreen/usaged/internal/domain"
)

// bridgeMessage is the newline-delimited JSON envelope spoken on the
// bridge socket, in both directions.
type bridgeMessage struct {
	Kind        string `json:"kind"` // hello | foreground | choice | present
	Role        string `json:"role,omitempty"`
	Package     string `json:"package,omitempty"`
	TsMs        int64  `json:"ts_ms,omitempty"`
	Choice      string `json:"choice,omitempty"`
	WaitSeconds int    `json:"wait_seconds,omitempty"`

	// present fields
	Decision  string `json:"decision,omitempty"`
	AppName   string `json:"app_name,omitempty"`
	Overlay   string `json:"overlay,omitempty"`
	Redirect  string `json:"redirect,omitempty"`
	Countdown int    `json:"countdown,omitempty"`
	Used      int    `json:"used,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	First     bool   `json:"first,omitempty"`
}

// Bridge is the unix-socket endpoint the platform accessibility layer
// and the overlay UI connect to. It is both the core's foreground event
// source and its presenter: accessibility clients push foreground
// changes, the UI client renders decisions and reports the user choice.
//
// Every foreground change is also appended to the event journal as an
// enter-background for the previous package plus an enter-foreground for
// the new one, which is what the bulk sync later replays.
type Bridge struct {
	socketPath string
	journal    *EventJournal
	probe      domain.ProcessProbe
	logger     *zap.Logger

	events chan domain.ForegroundEvent
	wg     sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	lastPackage string
	uiConn      net.Conn
	pendingUI   chan domain.InterventionResult
}

// NewBridge creates a bridge serving the given unix socket path.
func NewBridge(socketPath string, journal *EventJournal, probe domain.ProcessProbe, logger *zap.Logger) *Bridge {
	return &Bridge{
		socketPath: socketPath,
		journal:    journal,
		probe:      probe,
		logger:     logger,
		events:     make(chan domain.ForegroundEvent, 64),
	}
}

// Listen accepts bridge connections until the context is canceled.
func (b *Bridge) Listen(ctx context.Context) error {
	// A stale socket from a previous run blocks the bind.
	if err := os.Remove(b.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", b.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on bridge socket: %w", err)
	}
	b.logger.Info("bridge listening", zap.String("socket", b.socketPath))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.logger.Warn("bridge accept failed", zap.Error(err))
			continue
		}
		b.wg.Add(1)
		go b.handleConn(ctx, conn)
	}

	// Wait for every connection goroutine before closing the event
	// channel: a handler may still be dispatching a foreground message.
	b.wg.Wait()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	close(b.events)
	return ctx.Err()
}

func (b *Bridge) handleConn(ctx context.Context, conn net.Conn) {
	defer b.wg.Done()
	defer func() {
		b.mu.Lock()
		if b.uiConn == conn {
			b.uiConn = nil
		}
		b.mu.Unlock()
		conn.Close()
	}()

	// Unblock the scanner read when the daemon shuts down.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readDone:
		}
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var msg bridgeMessage
		if err := sonic.Unmarshal(scanner.Bytes(), &msg); err != nil {
			b.logger.Debug("dropping malformed bridge message", zap.Error(err))
			continue
		}
		b.dispatch(conn, msg)
	}
}

func (b *Bridge) dispatch(conn net.Conn, msg bridgeMessage) {
	switch msg.Kind {
	case "hello":
		if msg.Role == "ui" {
			b.mu.Lock()
			b.uiConn = conn
			b.mu.Unlock()
			b.logger.Info("presentation client connected")
		}

	case "foreground":
		if msg.Package == "" {
			return
		}
		ts := time.UnixMilli(msg.TsMs)
		if msg.TsMs == 0 {
			ts = time.Now()
		}
		b.recordTransition(msg.Package, ts)
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		select {
		case b.events <- domain.ForegroundEvent{PackageName: msg.Package, Timestamp: ts}:
			b.mu.Unlock()
		default:
			b.mu.Unlock()
			b.logger.Warn("foreground event dropped, consumer too slow",
				zap.String("package", msg.Package))
		}

	case "choice":
		b.mu.Lock()
		pending := b.pendingUI
		b.pendingUI = nil
		b.mu.Unlock()
		if pending == nil {
			b.logger.Debug("choice received with no pending intervention")
			return
		}
		pending <- domain.InterventionResult{
			Choice:            domain.UserChoice(msg.Choice),
			ActualWaitSeconds: msg.WaitSeconds,
		}

	default:
		b.logger.Debug("unknown bridge message kind", zap.String("kind", msg.Kind))
	}
}

// recordTransition journals the foreground switch and updates the
// last-known foreground package.
func (b *Bridge) recordTransition(packageName string, ts time.Time) {
	b.mu.Lock()
	prev := b.lastPackage
	b.lastPackage = packageName
	b.mu.Unlock()

	if prev != "" && prev != packageName {
		if err := b.journal.Append(domain.AppEvent{
			PackageName: prev,
			Type:        domain.EventEnterBackground,
			Timestamp:   ts,
		}); err != nil {
			b.logger.Warn("failed to journal background event", zap.Error(err))
		}
	}
	if prev != packageName {
		if err := b.journal.Append(domain.AppEvent{
			PackageName: packageName,
			Type:        domain.EventEnterForeground,
			Timestamp:   ts,
		}); err != nil {
			b.logger.Warn("failed to journal foreground event", zap.Error(err))
		}
	}
}

// Events returns the foreground-change stream.
func (b *Bridge) Events() <-chan domain.ForegroundEvent {
	return b.events
}

// CurrentForegroundPackage returns the last package the accessibility
// layer reported, cross-checked against the process probe: if the host
// process is gone the foreground state is unknown.
func (b *Bridge) CurrentForegroundPackage(_ context.Context) (string, error) {
	b.mu.Lock()
	pkg := b.lastPackage
	b.mu.Unlock()

	if pkg != "" && b.probe != nil && !b.probe.IsRunning(pkg) {
		return "", nil
	}
	return pkg, nil
}

// Present sends the decision to the connected UI client and waits for
// its terminal choice. With no UI connected this fails fast; the core
// must not assume presentation always succeeds.
func (b *Bridge) Present(ctx context.Context, decision domain.Decision) (*domain.InterventionResult, error) {
	b.mu.Lock()
	conn := b.uiConn
	if conn == nil {
		b.mu.Unlock()
		return nil, domain.ErrNoPresenter
	}
	if b.pendingUI != nil {
		b.mu.Unlock()
		return nil, domain.ErrPresentationBusy
	}
	reply := make(chan domain.InterventionResult, 1)
	b.pendingUI = reply
	b.mu.Unlock()

	payload, err := sonic.Marshal(bridgeMessage{
		Kind:      "present",
		Package:   decision.PackageName,
		AppName:   decision.AppName,
		Decision:  decision.Kind.String(),
		Overlay:   string(decision.InterventionType),
		Redirect:  decision.RedirectPackage,
		Countdown: decision.CountdownSeconds,
		Used:      decision.UsedMinutes,
		Limit:     decision.LimitMinutes,
		First:     decision.FirstOfDay,
	})
	if err != nil {
		b.clearPending()
		return nil, fmt.Errorf("failed to encode decision: %w", err)
	}

	if _, err := conn.Write(append(payload, '\n')); err != nil {
		b.clearPending()
		return nil, fmt.Errorf("failed to send decision to UI: %w", err)
	}

	select {
	case result := <-reply:
		return &result, nil
	case <-ctx.Done():
		b.clearPending()
		return nil, ctx.Err()
	}
}

func (b *Bridge) clearPending() {
	b.mu.Lock()
	b.pendingUI = nil
	b.mu.Unlock()
}

// Ensure Bridge implements the event source and presenter interfaces.
var (
	_ domain.ForegroundEventSource = (*Bridge)(nil)
	_ domain.Presenter             = (*Bridge)(nil)
)
