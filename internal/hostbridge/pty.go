package hostbridge

import (
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// readPoll bounds how long a Read blocks so the output pump can notice
// process exit and shutdown promptly.
const readPoll = 100 * time.Millisecond

// Process is the hosted terminal process as the bridge sees it. Read
// returns os.ErrDeadlineExceeded when no output arrived within the poll
// interval; any other error means the output stream has ended.
type Process interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(rows, cols int) error
	// Wait blocks until the process exits and returns its exit code.
	Wait() int
	Close() error
}

type ptyProcess struct {
	cmd *exec.Cmd
	f   *os.File

	closeOnce sync.Once
}

// StartProcess launches the command on a fresh pty sized rows by cols.
func StartProcess(command []string, rows, cols int) (Process, error) {
	if len(command) == 0 {
		return nil, errors.New("command is required")
	}
	ws := &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}
	cmd, f, err := startPTY(command, ws, true)
	if err != nil && strings.Contains(err.Error(), "Setctty set but Ctty not valid") {
		// Some platforms/Go versions reject Setctty; fall back to a pty without
		// controlling terminal, which is sufficient for interactive I/O.
		cmd, f, err = startPTY(command, ws, false)
	}
	if err != nil {
		return nil, err
	}
	return &ptyProcess{cmd: cmd, f: f}, nil
}

func startPTY(command []string, ws *pty.Winsize, setCTTY bool) (*exec.Cmd, *os.File, error) {
	cmd := exec.Command(command[0], command[1:]...)

	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	if ws != nil {
		_ = pty.Setsize(ptyFile, ws)
	}

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
	cmd.SysProcAttr.Setctty = setCTTY
	if setCTTY {
		cmd.SysProcAttr.Ctty = int(ttyFile.Fd())
	} else {
		cmd.SysProcAttr.Ctty = 0
	}

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, nil, err
	}
	return cmd, ptyFile, nil
}

func (p *ptyProcess) Read(buf []byte) (int, error) {
	_ = p.f.SetReadDeadline(time.Now().Add(readPoll))
	return p.f.Read(buf)
}

func (p *ptyProcess) Write(data []byte) (int, error) {
	return p.f.Write(data)
}

func (p *ptyProcess) Resize(rows, cols int) error {
	return pty.Setsize(p.f, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

func (p *ptyProcess) Wait() int {
	err := p.cmd.Wait()
	if state := p.cmd.ProcessState; state != nil {
		return state.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

func (p *ptyProcess) Close() error {
	p.closeOnce.Do(func() {
		_ = p.f.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
	return nil
}
