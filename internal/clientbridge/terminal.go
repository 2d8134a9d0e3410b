package clientbridge

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"
)

// detachKey is Ctrl-], the telnet escape.
const detachKey = 0x1d

// Terminal renders to the local terminal.
type Terminal struct {
	out io.Writer
}

func NewTerminal() *Terminal {
	return &Terminal{out: os.Stdout}
}

func (t *Terminal) Render(data []byte) error {
	_, err := t.out.Write(data)
	return err
}

func (t *Terminal) Size() (cols, rows int, err error) {
	c, r := termSize()
	return c, r, nil
}

// Attach runs a bridge against the local terminal in raw mode. Typed
// bytes go to the session's input log, window changes follow SIGWINCH,
// and Ctrl-] detaches. cfg.Renderer is ignored; the local terminal is
// the renderer.
func Attach(ctx context.Context, cfg Config) error {
	cfg.Renderer = NewTerminal()
	b, err := New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	restore, err := makeStdinRaw()
	if err != nil {
		return err
	}
	defer restore()

	go func() {
		buf := make([]byte, 32*1024)
		for {
			n, rerr := os.Stdin.Read(buf)
			if n > 0 {
				data := buf[:n]
				if i := bytes.IndexByte(data, detachKey); i >= 0 {
					b.SendInput(data[:i])
					cancel()
					return
				}
				b.SendInput(data)
			}
			if rerr != nil {
				// In non-interactive contexts, stdin is often immediately
				// closed. Don't treat that as a failure; keep rendering.
				return
			}
		}
	}()

	// Best-effort resize loop.
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				cols, rows := termSize()
				b.SendResize(cols, rows)
			}
		}
	}()

	return b.Run(ctx)
}

func makeStdinRaw() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}

func termSize() (cols, rows int) {
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		return 120, 30
	}
	c, r, err := term.GetSize(fd)
	if err != nil || c <= 0 || r <= 0 {
		return 120, 30
	}
	return c, r
}
