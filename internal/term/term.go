// Package term runs per-session shell terminals in PTYs and streams
// their output onto the session's frame channel.
package term

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/nvloft/nvloft/internal/logger"
	"github.com/nvloft/nvloft/internal/rpc"
)

// Replay buffer bound per terminal.
const maxReplay = 256 * 1024

// replayBuffer keeps the trailing PTY output so a reattaching viewer
// can repaint the terminal.
type replayBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (r *replayBuffer) write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > maxReplay {
		// Trim from the front; terminal state is rebuilt from the tail.
		r.buf = append(r.buf[:0:0], r.buf[len(r.buf)-maxReplay:]...)
	}
}

func (r *replayBuffer) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buf...)
}

// Terminal is one shell process in a PTY.
type Terminal struct {
	ID     uint64
	ptmx   *os.File
	cmd    *exec.Cmd
	replay *replayBuffer
	done   chan struct{}
}

// Manager owns the terminals of one session.
type Manager struct {
	mu      sync.Mutex
	session string
	terms   map[uint64]*Terminal
	nextID  uint64
	publish func([]byte)
}

// NewManager creates the terminal manager for a session; publish
// delivers frames to the session's viewers.
func NewManager(sessionID string, publish func([]byte)) *Manager {
	return &Manager{
		session: sessionID,
		terms:   make(map[uint64]*Terminal),
		publish: publish,
	}
}

// Open spawns the user's shell in a PTY and starts streaming output as
// [2,"term_output",[id,data]] frames.
func (m *Manager) Open(cols, rows uint16, workdir string) (uint64, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell)
	if workdir != "" {
		cmd.Dir = workdir
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return 0, fmt.Errorf("start pty: %w", err)
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	t := &Terminal{
		ID:     id,
		ptmx:   ptmx,
		cmd:    cmd,
		replay: &replayBuffer{},
		done:   make(chan struct{}),
	}
	m.terms[id] = t
	m.mu.Unlock()

	go m.readLoop(t)
	go m.reap(t)

	logger.Info("terminal opened", "session", m.session, "term", id, "shell", shell)
	return id, nil
}

func (m *Manager) readLoop(t *Terminal) {
	buf := make([]byte, 4096)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.replay.write(data)
			m.publishFrame([]any{rpc.TypeNotification, "term_output", []any{t.ID, data}})
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) reap(t *Terminal) {
	exitCode := 0
	if err := t.cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	close(t.done)
	t.ptmx.Close()

	m.mu.Lock()
	delete(m.terms, t.ID)
	m.mu.Unlock()

	m.publishFrame([]any{rpc.TypeNotification, "term_exit", []any{t.ID, exitCode}})
	logger.Info("terminal exited", "session", m.session, "term", t.ID, "code", exitCode)
}

func (m *Manager) publishFrame(msg []any) {
	frame, err := rpc.Encode(msg)
	if err != nil {
		logger.Warn("encode term frame failed", "error", err)
		return
	}
	m.publish(frame)
}

func (m *Manager) get(id uint64) (*Terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terms[id]
	if !ok {
		return nil, fmt.Errorf("no terminal %d", id)
	}
	return t, nil
}

// Input writes keystrokes to the terminal.
func (m *Manager) Input(id uint64, data []byte) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	_, err = t.ptmx.Write(data)
	return err
}

// Resize changes the PTY dimensions.
func (m *Manager) Resize(id uint64, cols, rows uint16) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	return pty.Setsize(t.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Replay returns the buffered trailing output for reattach.
func (m *Manager) Replay(id uint64) ([]byte, error) {
	t, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return t.replay.bytes(), nil
}

// Kill terminates a terminal's shell.
func (m *Manager) Kill(id uint64) error {
	t, err := m.get(id)
	if err != nil {
		return err
	}
	if t.cmd.Process != nil {
		t.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-t.done:
			case <-time.After(3 * time.Second):
				t.cmd.Process.Kill()
			}
		}()
	}
	return nil
}

// CloseAll terminates every terminal; called at session teardown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	terms := make([]*Terminal, 0, len(m.terms))
	for _, t := range m.terms {
		terms = append(terms, t)
	}
	m.mu.Unlock()
	for _, t := range terms {
		if t.cmd.Process != nil {
			t.cmd.Process.Signal(syscall.SIGTERM)
		}
	}
}

// Count returns the number of live terminals.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.terms)
}
