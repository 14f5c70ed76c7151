package editor

import (
	"context"

	"github.com/nvloft/nvloft/internal/logger"
)

// Hook scripts installed right after UI attach. They surface editor
// state the host cannot see through the UI protocol: clipboard
// traffic, directory changes, and macro recording.

const clipboardHook = `
let g:clipboard = {
  \ 'name': 'nvloft',
  \ 'copy': {
  \   '+': {lines, regtype -> rpcnotify(0, 'clipboard_write', lines, regtype)},
  \   '*': {lines, regtype -> rpcnotify(0, 'clipboard_write', lines, regtype)},
  \ },
  \ 'paste': {
  \   '+': {-> rpcrequest(0, 'clipboard_read', '+')},
  \   '*': {-> rpcrequest(0, 'clipboard_read', '*')},
  \ },
  \ }
`

const cwdSyncHook = `
augroup NvloftCwdSync
  autocmd!
  autocmd DirChanged * call NvloftNotifyCwdChanged()
  autocmd BufEnter * call NvloftNotifyCwdChanged()
augroup END

function! NvloftNotifyCwdChanged()
  let l:cwd = getcwd()
  let l:file = expand('%:p')
  let l:git_branch = ''
  let l:git_output = system('git -C ' . shellescape(l:cwd) . ' branch --show-current 2>/dev/null')
  if v:shell_error == 0
    let l:git_branch = trim(l:git_output)
  endif
  let l:backend = 'local'
  if l:file =~# '^vfs://browser/'
    let l:backend = 'browser'
  elseif l:file =~# '^vfs://ssh/'
    let l:backend = 'ssh'
  elseif l:file =~# '^vfs://github/'
    let l:backend = 'github'
  elseif l:file =~# '^vfs://git/'
    let l:backend = 'git'
  endif
  call rpcnotify(0, 'cwd_changed', l:cwd, l:file, l:backend, l:git_branch)
endfunction
`

const recordingHook = `
augroup NvloftRecording
  autocmd!
  autocmd RecordingEnter * call rpcnotify(0, 'recording_start', reg_recording())
  autocmd RecordingLeave * call rpcnotify(0, 'recording_stop')
augroup END
`

// installHooks runs the hook scripts. Failures are non-fatal: the
// session works without them, just with fewer notifications.
func (a *Adapter) installHooks(ctx context.Context) {
	for _, script := range []struct {
		name string
		src  string
	}{
		{"clipboard", clipboardHook},
		{"cwd-sync", cwdSyncHook},
		{"recording", recordingHook},
	} {
		opts := map[string]any{"output": false}
		if _, err := a.client.Call(ctx, "nvim_exec2", []any{script.src, opts}); err != nil {
			logger.Warn("hook install failed", "session", a.sessionID, "hook", script.name, "error", err)
		}
	}
	// Trigger the initial cwd report.
	a.client.Notify("nvim_command", []any{"call NvloftNotifyCwdChanged()"})
}
