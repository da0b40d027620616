package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const escByte = 0x1b

// escPollInterval bounds how long release can lag behind: the watch
// loop re-checks for shutdown every interval.
const escPollInterval = 100 * time.Millisecond

// ESCMonitor watches the interactive terminal while a terminal
// command runs. An ESC keypress cancels that command's context only;
// the rest of the turn keeps going.
type ESCMonitor struct {
	in     *os.File
	logger *slog.Logger
}

// NewESCMonitor watches in (os.Stdin when nil).
func NewESCMonitor(in *os.File, logger *slog.Logger) *ESCMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if in == nil {
		in = os.Stdin
	}
	return &ESCMonitor{in: in, logger: logger.With("component", "esc")}
}

// Guard puts the terminal in raw mode and returns a context that is
// cancelled when ESC is pressed, plus a release function restoring the
// terminal. When input is not a terminal (or raw mode fails) the
// returned context is an ordinary child of ctx.
func (m *ESCMonitor) Guard(ctx context.Context) (context.Context, context.CancelFunc) {
	if m == nil || m.in == nil || !term.IsTerminal(int(m.in.Fd())) {
		return context.WithCancel(ctx)
	}
	fd := int(m.in.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		m.logger.Warn("raw mode unavailable", "error", err)
		return context.WithCancel(ctx)
	}

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go m.watch(cctx, cancel, done)

	var once sync.Once
	release := func() {
		once.Do(func() {
			close(done)
			cancel()
			_ = m.in.SetReadDeadline(time.Time{})
			_ = term.Restore(fd, state)
		})
	}
	return cctx, release
}

// watch polls single bytes with a short deadline so it can notice
// shutdown between reads.
func (m *ESCMonitor) watch(ctx context.Context, cancel context.CancelFunc, done <-chan struct{}) {
	buf := make([]byte, 1)
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := m.in.SetReadDeadline(time.Now().Add(escPollInterval)); err != nil {
			// No deadline support means a read here could block past
			// release; give up on ESC for this command.
			return
		}
		n, err := m.in.Read(buf)
		if n == 1 && buf[0] == escByte {
			m.logger.Info("esc pressed, aborting command")
			cancel()
			return
		}
		if err != nil && !os.IsTimeout(err) {
			return
		}
	}
}
