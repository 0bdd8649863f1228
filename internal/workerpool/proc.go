package workerpool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

const (
	opCall = "call"
	opPing = "ping"
	opPong = "pong"
)

const (
	frameBufSize = 64 * 1024
	maxFrameSize = 10 * 1024 * 1024
	stopGrace    = 2 * time.Second
)

// frame is one line of the parent-child protocol. The child writes
// exactly one response frame per request frame, in order.
type frame struct {
	Op    string         `json:"op,omitempty"`
	ID    string         `json:"id,omitempty"`
	Func  string         `json:"func,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
	Value any            `json:"value,omitempty"`
	Error string         `json:"error,omitempty"`
}

// RunWorker is the child side of a process pool. It consumes frames
// from r until EOF and answers each on w. The hidden worker subcommand
// mounts it on stdin and stdout.
func RunWorker(r io.Reader, w io.Writer) error {
	state := map[string]any{}
	enc := json.NewEncoder(w)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, frameBufSize), maxFrameSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			enc.Encode(frame{Error: fmt.Sprintf("bad frame: %v", err)})
			continue
		}
		switch f.Op {
		case opPing:
			enc.Encode(frame{Op: opPong})
		case opCall:
			fn, ok := lookupFunc(f.Func)
			if !ok {
				enc.Encode(frame{ID: f.ID, Error: fmt.Sprintf("unknown function %q", f.Func)})
				continue
			}
			value, err := callNamed(context.Background(), fn, f.Args, state)
			if err != nil {
				enc.Encode(frame{ID: f.ID, Error: err.Error()})
				continue
			}
			enc.Encode(frame{ID: f.ID, Value: value})
		default:
			enc.Encode(frame{ID: f.ID, Error: fmt.Sprintf("unknown op %q", f.Op)})
		}
	}
	return sc.Err()
}

func callNamed(ctx context.Context, fn NamedFunc, args, state map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, args, state)
}

// procWorker is the parent-side handle on one child process. The owning
// worker goroutine is the only writer and the only frame consumer, so
// calls never interleave.
type procWorker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan frame
	killed atomic.Bool
}

func startProc(command, env []string) (*procWorker, error) {
	if len(command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("start worker: %w", err)
		}
		command = []string{exe, "worker"}
	}
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	pw := &procWorker{cmd: cmd, stdin: stdin, frames: make(chan frame, 4)}
	go pw.read(stdout)
	return pw, nil
}

func (pw *procWorker) read(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, frameBufSize), maxFrameSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			continue
		}
		pw.frames <- f
	}
	close(pw.frames)
}

func (pw *procWorker) pid() int {
	if pw.cmd.Process == nil {
		return 0
	}
	return pw.cmd.Process.Pid
}

func (pw *procWorker) gone() bool {
	return pw.killed.Load()
}

// roundTrip writes one frame and waits for the child's answer. On
// deadline the child is killed so a wedged call cannot hold the worker;
// a dead child surfaces as ErrWorkerCrashed.
func (pw *procWorker) roundTrip(ctx context.Context, f frame) (any, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := pw.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("worker write: %w", ErrWorkerCrashed)
	}
	select {
	case resp, ok := <-pw.frames:
		if !ok {
			return nil, fmt.Errorf("worker exited: %w", ErrWorkerCrashed)
		}
		if resp.Error != "" {
			return nil, errors.New(resp.Error)
		}
		if f.Op == opPing && resp.Op != opPong {
			return nil, fmt.Errorf("worker ping: unexpected op %q", resp.Op)
		}
		return resp.Value, nil
	case <-ctx.Done():
		pw.kill()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("worker call: %w", ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

func (pw *procWorker) kill() {
	pw.killed.Store(true)
	if pw.cmd.Process != nil {
		pw.cmd.Process.Kill()
	}
}

// stop winds the child down: continue it if stopped, close stdin so its
// loop sees EOF, then kill after a grace period. Always reaps.
func (pw *procWorker) stop() {
	contProcess(pw.pid())
	pw.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- pw.cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(stopGrace):
		pw.kill()
		<-done
	}
	for range pw.frames {
	}
}
