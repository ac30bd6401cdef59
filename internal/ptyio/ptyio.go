// Package ptyio implements the PTY Handle component: ownership of one OS
// pseudoterminal and its child process.
//
// A Handle surfaces the child's combined stdout+stderr as a stream of byte
// chunks terminating in an Exited event (see Chunks), accepts writes to the
// child's stdin, propagates resizes, and supports killing the child. It does
// not buffer or interpret output; that is the Virtual Terminal's job
// (internal/vterm).
package ptyio

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// readChunkSize bounds how much a single PTY read returns at once; the
// contract (spec.md §4.A) only requires chunks of size <= 64 KiB.
const readChunkSize = 32 * 1024

// Exited is the terminal event yielded once by Chunks when the child
// process has exited or the output stream errored.
type Exited struct {
	ExitCode *int
	Signal   string
}

// Chunk is one element of the output stream: either a non-empty byte slice
// or, on the final element, an Exited event (never both).
type Chunk struct {
	Data   []byte
	Exited *Exited
}

// Handle owns one PTY master/child pair.
type Handle struct {
	ptm     *os.File
	cmd     *exec.Cmd
	usePgrp bool

	mu     sync.Mutex
	closed bool

	chunks chan Chunk
}

// Spawn starts command with args in a new PTY of the given size, inheriting
// the daemon's environment overridden by env, running in cwd (if non-empty).
func Spawn(command string, args []string, env map[string]string, cwd string, cols, rows int) (*Handle, error) {
	if command == "" {
		return nil, fmt.Errorf("ptyio: command must not be empty")
	}
	cmd := exec.Command(command, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = mergeEnv(env)

	// pty.StartWithSize starts the child in a new session (Setsid), so it
	// leads its own process group. On Linux Kill looks that group up and
	// signals the whole tree; elsewhere it signals the child process alone.
	usePgrp := runtime.GOOS == "linux"

	ptm, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("ptyio: spawn %q: %w", command, err)
	}

	h := &Handle{
		ptm:     ptm,
		cmd:     cmd,
		usePgrp: usePgrp,
		chunks:  make(chan Chunk, 1),
	}
	go h.readLoop()
	return h, nil
}

func mergeEnv(overrides map[string]string) []string {
	base := os.Environ()
	seen := make(map[string]bool, len(overrides))
	for k := range overrides {
		seen[k] = true
	}
	merged := make([]string, 0, len(base)+len(overrides)+1)
	for _, kv := range base {
		if idx := indexByte(kv, '='); idx > 0 && seen[kv[:idx]] {
			continue
		}
		merged = append(merged, kv)
	}
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	if !seen["TERM"] {
		merged = append(merged, "TERM=xterm-256color")
	}
	return merged
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// Chunks returns the output stream. It yields chunks of output until the
// child exits or an I/O error occurs, at which point a final Chunk carrying
// Exited is sent and the channel is closed.
func (h *Handle) Chunks() <-chan Chunk {
	return h.chunks
}

func (h *Handle) readLoop() {
	defer close(h.chunks)

	buf := make([]byte, readChunkSize)
	for {
		n, err := h.ptm.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			h.chunks <- Chunk{Data: chunk}
		}
		if err != nil {
			// An I/O error on the output stream is treated as an implicit
			// exit (spec.md §4.A) regardless of cause.
			break
		}
	}

	exitCode, signal := h.wait()
	h.chunks <- Chunk{Exited: &Exited{ExitCode: exitCode, Signal: signal}}
}

func (h *Handle) wait() (*int, string) {
	err := h.cmd.Wait()
	if err == nil {
		code := 0
		return &code, ""
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return nil, status.Signal().String()
			}
			code := status.ExitStatus()
			return &code, ""
		}
	}
	return nil, ""
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// Write delivers bytes to the child's stdin, in order. A WriteError on a
// running child does not terminate the Handle; the child may recover.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, io.ErrClosedPipe
	}
	return h.ptm.Write(p)
}

// Resize propagates a window-change signal to the child.
func (h *Handle) Resize(cols, rows int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return io.ErrClosedPipe
	}
	return pty.Setsize(h.ptm, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Kill sends signal to the child's process group (or the process alone on
// platforms without process-group semantics).
func (h *Handle) Kill(signal syscall.Signal) {
	h.mu.Lock()
	pid := 0
	if h.cmd.Process != nil {
		pid = h.cmd.Process.Pid
	}
	h.mu.Unlock()
	if pid == 0 {
		return
	}
	if h.usePgrp {
		if pgid, err := unix.Getpgid(pid); err == nil && pgid > 0 {
			_ = unix.Kill(-pgid, signal)
			return
		}
	}
	_ = unix.Kill(pid, signal)
}

// Close closes the PTY master side, unblocking the read loop. It does not
// itself signal the child; callers that want termination should Kill first.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.ptm.Close()
}
