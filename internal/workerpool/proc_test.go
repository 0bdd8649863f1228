package workerpool

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

const workerHelperEnv = "POLYSTORE_WORKER_HELPER"

func init() {
	RegisterFunc("strings:upper", func(ctx context.Context, args, state map[string]any) (any, error) {
		s, _ := args["s"].(string)
		return strings.ToUpper(s), nil
	})
	RegisterFunc("counter:incr", func(ctx context.Context, args, state map[string]any) (any, error) {
		n, _ := state["n"].(int)
		n++
		state["n"] = n
		return n, nil
	})
	RegisterFunc("proc:die", func(ctx context.Context, args, state map[string]any) (any, error) {
		os.Exit(3)
		return nil, nil
	})
}

// TestHelperWorkerProcess is not a real test: it is the child side of
// the process pool tests. The pool re-invokes this test binary with the
// helper env set and only this test selected.
func TestHelperWorkerProcess(t *testing.T) {
	if os.Getenv(workerHelperEnv) != "1" {
		return
	}
	RunWorker(os.Stdin, os.Stdout)
	os.Exit(0)
}

func procConfig(t *testing.T, min, max int) Config {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("executable: %v", err)
	}
	return Config{
		Flavor:     FlavorProcess,
		MinWorkers: min,
		MaxWorkers: max,
		Command:    []string{exe, "-test.run=^TestHelperWorkerProcess$"},
		Env:        []string{workerHelperEnv + "=1"},
	}
}

func TestProcessPoolRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}
	p := mustPool(t, procConfig(t, 1, 1))

	id, err := p.SubmitNamed("strings:upper", map[string]any{"s": "polyglot"})
	if err != nil {
		t.Fatalf("SubmitNamed: %v", err)
	}
	if v := resultOf(t, p, id); v != "POLYGLOT" {
		t.Errorf("result = %v, want POLYGLOT", v)
	}
}

func TestProcessPoolStatePersistsAcrossTasks(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}
	p := mustPool(t, procConfig(t, 1, 1))

	// JSON numbers decode as float64 on the way back.
	first, _ := p.SubmitNamed("counter:incr", nil)
	if v := resultOf(t, p, first); v != float64(1) {
		t.Fatalf("first = %v, want 1", v)
	}
	second, _ := p.SubmitNamed("counter:incr", nil)
	if v := resultOf(t, p, second); v != float64(2) {
		t.Errorf("second = %v, want 2 (same child state)", v)
	}
}

func TestProcessPoolUnknownFunc(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}
	p := mustPool(t, procConfig(t, 1, 1))

	id, err := p.SubmitNamed("no:such", nil)
	if err != nil {
		t.Fatalf("SubmitNamed: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = p.Result(ctx, id)
	if err == nil || !strings.Contains(err.Error(), "unknown function") {
		t.Errorf("Result error = %v, want unknown function", err)
	}
}

func TestProcessPoolRejectsClosures(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}
	p := mustPool(t, procConfig(t, 1, 1))
	if _, err := p.Submit(func(ctx context.Context, _ map[string]any) (any, error) {
		return nil, nil
	}); err == nil {
		t.Error("Submit of a closure on a process pool did not fail")
	}
}

func TestProcessPoolCrashRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns child processes")
	}
	p := mustPool(t, procConfig(t, 1, 1))

	id, _ := p.SubmitNamed("proc:die", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.Result(ctx, id); !errors.Is(err, ErrWorkerCrashed) {
		t.Fatalf("Result error = %v, want ErrWorkerCrashed", err)
	}

	// The dead child is replaced and the pool keeps serving.
	next, _ := p.SubmitNamed("strings:upper", map[string]any{"s": "ok"})
	if v := resultOf(t, p, next); v != "OK" {
		t.Errorf("post-crash result = %v, want OK", v)
	}
}
