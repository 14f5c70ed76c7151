// Package editor owns one embedded Neovim child process: it attaches
// the UI, re-publishes redraw notifications as encoded frames, services
// reverse RPC from the editor, and exposes input/resize/call upward.
package editor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nvloft/nvloft/internal/logger"
	"github.com/nvloft/nvloft/internal/rpc"
	"github.com/nvloft/nvloft/internal/vfs"
)

// Reverse-RPC replies must arrive within this window.
const reverseRPCTimeout = 5 * time.Second

// DeltaFunc receives editor buffer line replacements
// (start inclusive, end exclusive, 0-based).
type DeltaFunc func(bufferID uint64, startLine, endLine uint32, newLines []string)

// Adapter wraps one `nvim --embed` child.
type Adapter struct {
	sessionID string
	client    *rpc.Client
	cmd       *exec.Cmd
	publish   func([]byte)
	vfs       *vfs.Manager

	pmu     sync.Mutex
	pending map[uint32]chan any
	nextID  atomic.Uint32

	deltaMu sync.Mutex
	deltaFn DeltaFunc

	done      chan struct{}
	closeOnce sync.Once
}

// stdio joins the child's stdout (reads) and stdin (writes) into one
// stream for the RPC client.
type stdio struct {
	r io.ReadCloser
	w io.WriteCloser
}

func (s *stdio) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *stdio) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *stdio) Close() error {
	s.w.Close()
	return s.r.Close()
}

// Options configure Spawn.
type Options struct {
	// Binary overrides the editor executable (default "nvim").
	Binary string
	// Workdir is the editor's starting directory; empty means $HOME.
	Workdir string
	// Cols/Rows are the initial UI dimensions (default 80×24).
	Cols, Rows int64
}

// Spawn launches the editor in embedded mode, attaches the UI with the
// line-grid and multi-grid extensions, and installs the host hooks.
// publish receives every encoded outbound frame.
func Spawn(ctx context.Context, sessionID string, vfsManager *vfs.Manager, publish func([]byte), opts Options) (*Adapter, error) {
	binary := opts.Binary
	if binary == "" {
		binary = "nvim"
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	cmd := exec.Command(binary, "--embed")
	if opts.Workdir != "" {
		cmd.Dir = opts.Workdir
	} else if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}
	cmd.Stderr = nil
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	a := &Adapter{
		sessionID: sessionID,
		cmd:       cmd,
		publish:   publish,
		vfs:       vfsManager,
		pending:   make(map[uint32]chan any),
		done:      make(chan struct{}),
	}
	a.client = rpc.NewClient(&stdio{r: stdout, w: stdin}, a)

	// Reap the child and surface exit to every caller.
	go func() {
		cmd.Wait()
		a.client.Close()
		a.closeOnce.Do(func() { close(a.done) })
		logger.Info("editor exited", "session", sessionID)
	}()
	// Stream termination (broken pipe) also counts as editor death.
	go func() {
		<-a.client.Done()
		a.closeOnce.Do(func() { close(a.done) })
	}()

	attachCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	uiOpts := map[string]any{
		"rgb":           true,
		"ext_linegrid":  true,
		"ext_multigrid": true,
	}
	if _, err := a.client.Call(attachCtx, "nvim_ui_attach", []any{cols, rows, uiOpts}); err != nil {
		a.Close()
		return nil, fmt.Errorf("ui attach: %w", err)
	}

	a.installHooks(attachCtx)

	logger.Info("editor attached", "session", sessionID, "cols", cols, "rows", rows)
	return a, nil
}

// SetDeltaFunc registers the buffer-change sink used by the
// collaboration layer.
func (a *Adapter) SetDeltaFunc(fn DeltaFunc) {
	a.deltaMu.Lock()
	a.deltaFn = fn
	a.deltaMu.Unlock()
}

// Done is closed when the editor process exits.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Close terminates the editor.
func (a *Adapter) Close() error {
	a.client.Close()
	if a.cmd.Process != nil {
		a.cmd.Process.Signal(syscall.SIGTERM)
	}
	return nil
}

// ── Upward operations ────────────────────────────────────────────────

// Input feeds raw keys, fire-and-forget.
func (a *Adapter) Input(ctx context.Context, keys string) error {
	return a.client.Notify("nvim_input", []any{keys})
}

// Resize changes the UI dimensions, fire-and-forget.
func (a *Adapter) Resize(ctx context.Context, cols, rows int64) error {
	return a.client.Notify("nvim_ui_try_resize", []any{cols, rows})
}

// RequestRedraw asks the editor to repaint from scratch; used for
// reconnects and broadcast lag recovery.
func (a *Adapter) RequestRedraw(ctx context.Context) error {
	return a.client.Notify("nvim_command", []any{"redraw!"})
}

// Call forwards an RPC to the editor, blocking only the caller.
func (a *Adapter) Call(ctx context.Context, method string, args []any) (any, error) {
	select {
	case <-a.done:
		return nil, fmt.Errorf("editor exited")
	default:
	}
	return a.client.Call(ctx, method, args)
}

// CompleteRequest resolves a pending reverse-RPC reply (e.g. the
// clipboard content fetched by a viewer).
func (a *Adapter) CompleteRequest(id uint32, value any) {
	a.pmu.Lock()
	ch := a.pending[id]
	delete(a.pending, id)
	a.pmu.Unlock()
	if ch != nil {
		ch <- value
	}
}

// ── Reverse RPC and notifications (editor → host) ────────────────────

// HandleRequest services requests originated by the editor.
func (a *Adapter) HandleRequest(method string, args []any) (any, error) {
	switch method {
	case "clipboard_read":
		return a.clipboardRead()
	case "vfs_read":
		return a.vfsRead(args)
	case "vfs_write":
		return a.vfsWrite(args)
	}
	return nil, fmt.Errorf("unknown request: %s", method)
}

// clipboardRead round-trips through a viewer: publish a request frame,
// wait for CompleteRequest, time out after 5 s.
func (a *Adapter) clipboardRead() (any, error) {
	id := a.nextID.Add(1)
	ch := make(chan any, 1)
	a.pmu.Lock()
	a.pending[id] = ch
	a.pmu.Unlock()

	frame, err := rpc.Encode([]any{rpc.TypeNotification, "clipboard_read", []any{id}})
	if err != nil {
		a.pmu.Lock()
		delete(a.pending, id)
		a.pmu.Unlock()
		return nil, err
	}
	a.publish(frame)

	timer := time.NewTimer(reverseRPCTimeout)
	defer timer.Stop()
	select {
	case value := <-ch:
		return value, nil
	case <-timer.C:
		a.pmu.Lock()
		delete(a.pending, id)
		a.pmu.Unlock()
		return nil, fmt.Errorf("clipboard request %d timed out", id)
	case <-a.done:
		return nil, fmt.Errorf("editor exited")
	}
}

// vfsRead services the editor reading a vfs:// path: bytes → lines.
func (a *Adapter) vfsRead(args []any) (any, error) {
	path, ok := rpc.String(first(args))
	if !ok {
		return nil, fmt.Errorf("vfs_read requires a path argument")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	data, err := a.vfs.Read(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("VFS read error: %w", err)
	}
	var lines []any
	for _, line := range strings.Split(string(data), "\n") {
		lines = append(lines, line)
	}
	return lines, nil
}

// vfsWrite services the editor writing buffer lines to a vfs:// path.
func (a *Adapter) vfsWrite(args []any) (any, error) {
	path, ok := rpc.String(first(args))
	if !ok {
		return nil, fmt.Errorf("vfs_write requires a path argument")
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("vfs_write requires a lines argument")
	}
	lines, ok := rpc.StringSlice(args[1])
	if !ok {
		return nil, fmt.Errorf("vfs_write lines must be strings")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := a.vfs.Write(ctx, path, []byte(strings.Join(lines, "\n"))); err != nil {
		return nil, fmt.Errorf("VFS write error: %w", err)
	}
	return true, nil
}

// HandleNotify re-publishes editor notifications as browser frames,
// preserving the outer method name so viewers can demultiplex.
func (a *Adapter) HandleNotify(method string, args []any) {
	switch method {
	case "redraw":
		a.publishFrame([]any{rpc.TypeNotification, "redraw", args})
	case "clipboard_write":
		a.publishFrame([]any{rpc.TypeNotification, "clipboard_write", args})
	case "cwd_changed":
		a.publishCwdInfo(args)
	case "recording_start":
		register := "q"
		if len(args) > 0 {
			register = rpc.StringOr(args[0], "q")
		}
		a.publishFrame([]any{"recording_start", register})
	case "recording_stop":
		a.publishFrame([]any{"recording_stop"})
	case "nvim_buf_lines_event":
		a.handleBufLines(args)
	}
}

func (a *Adapter) publishFrame(msg []any) {
	frame, err := rpc.Encode(msg)
	if err != nil {
		logger.Warn("encode frame failed", "session", a.sessionID, "error", err)
		return
	}
	a.publish(frame)
}

// publishCwdInfo re-shapes a cwd_changed hook notification into the
// ["cwd_info", {...}] frame the browser status line consumes.
func (a *Adapter) publishCwdInfo(args []any) {
	info := map[string]any{
		"cwd":     "~",
		"file":    "",
		"backend": "local",
	}
	if len(args) > 0 {
		info["cwd"] = rpc.StringOr(args[0], "~")
	}
	if len(args) > 1 {
		info["file"] = rpc.StringOr(args[1], "")
	}
	if len(args) > 2 {
		info["backend"] = rpc.StringOr(args[2], "local")
	}
	if len(args) > 3 {
		if branch, ok := rpc.String(args[3]); ok && branch != "" {
			info["git_branch"] = branch
		}
	}
	a.publishFrame([]any{"cwd_info", info})
}

// handleBufLines feeds nvim_buf_attach line events into the
// collaboration delta sink.
func (a *Adapter) handleBufLines(args []any) {
	a.deltaMu.Lock()
	fn := a.deltaFn
	a.deltaMu.Unlock()
	if fn == nil || len(args) < 5 {
		return
	}
	buf, _ := rpc.Uint(args[0])
	first, _ := rpc.Int(args[2])
	last, _ := rpc.Int(args[3])
	lines, _ := rpc.StringSlice(args[4])
	if last < 0 {
		// -1 means "to the end"; the collab layer clamps.
		last = int64(^uint32(0))
	}
	fn(buf, uint32(first), uint32(last), lines)
}

func first(args []any) any {
	if len(args) == 0 {
		return nil
	}
	return args[0]
}
