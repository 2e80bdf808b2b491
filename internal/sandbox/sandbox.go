// Package sandbox runs a task's WASM module under wasmtime with a
// process-lifetime module cache keyed by path and the
// allocate/run/free guest ABI the executor dispatches task groups
// against.
//
// Every invocation gets its own fuel budget and wall-clock deadline,
// so a cycle-bound guest traps once either limit is reached. Both
// limits are checked only while guest code runs: a host call that
// blocks is not interrupted, and Run does not watch its ctx.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v25"
	"go.uber.org/zap"
)

const (
	// DefaultFuel matches the fuel unit budget named in the operating
	// parameters: enough for real agent work, cheap enough that a
	// runaway loop fails fast instead of pinning a CPU.
	DefaultFuel = uint64(100_000_000)
	// DefaultWallClock is the hard ceiling on one invocation, enforced
	// independently of fuel via wasmtime epoch interruption.
	DefaultWallClock = 5 * time.Second

	// epochTick is how often the engine's epoch counter advances. Each
	// store's deadline is expressed in ticks of this interval.
	epochTick = 50 * time.Millisecond
)

// Result is the outcome of one guest invocation.
type Result struct {
	Output []byte
	Trap   string // non-empty when the guest trapped, ran out of fuel, or hit the wall-clock deadline
}

// Sandbox executes WASM modules under fuel and wall-clock limits,
// caching compiled modules for the lifetime of the process.
type Sandbox struct {
	engine    *wasmtime.Engine
	logger    *zap.Logger
	fuel      uint64
	wallClock time.Duration

	mu    sync.Mutex
	cache map[string]*wasmtime.Module

	epochTicker *time.Ticker
	stopEpoch   chan struct{}
}

// Options configures a Sandbox.
type Options struct {
	Fuel      uint64
	WallClock time.Duration
}

// New builds a Sandbox with fuel consumption and epoch interruption
// enabled on its engine, and starts the background goroutine that
// increments the engine's epoch once per tick so wasmtime can enforce
// each invocation's wall-clock deadline.
func New(opts Options, logger *zap.Logger) (*Sandbox, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Fuel == 0 {
		opts.Fuel = DefaultFuel
	}
	if opts.WallClock == 0 {
		opts.WallClock = DefaultWallClock
	}

	cfg := wasmtime.NewConfig()
	cfg.SetConsumeFuel(true)
	cfg.SetEpochInterruption(true)

	engine := wasmtime.NewEngineWithConfig(cfg)

	s := &Sandbox{
		engine:      engine,
		logger:      logger,
		fuel:        opts.Fuel,
		wallClock:   opts.WallClock,
		cache:       make(map[string]*wasmtime.Module),
		epochTicker: time.NewTicker(epochTick),
		stopEpoch:   make(chan struct{}),
	}

	go s.tickEpoch()

	return s, nil
}

func (s *Sandbox) tickEpoch() {
	for {
		select {
		case <-s.epochTicker.C:
			s.engine.IncrementEpoch()
		case <-s.stopEpoch:
			return
		}
	}
}

// Close stops the epoch ticker. The engine and cached modules are
// released when the Sandbox is garbage collected.
func (s *Sandbox) Close() {
	s.epochTicker.Stop()
	close(s.stopEpoch)
}

// compile returns the cached *wasmtime.Module for modulePath,
// compiling and caching it on first use. A compile failure is not
// cached, so a module fixed on disk between invocations recovers on
// the next call.
func (s *Sandbox) compile(modulePath string) (*wasmtime.Module, error) {
	s.mu.Lock()
	if m, ok := s.cache[modulePath]; ok {
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()

	module, err := wasmtime.NewModuleFromFile(s.engine, modulePath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: compile %s: %w", modulePath, err)
	}

	s.mu.Lock()
	s.cache[modulePath] = module
	s.mu.Unlock()
	return module, nil
}

// Run executes the module's "run" export against input, with
// workspaceDir pre-opened as the guest's "/" and nothing else from the
// host visible. It never panics: every failure mode (missing exports,
// fuel exhaustion, wall-clock timeout, a trap, or a host I/O error) is
// reported as a Result with Trap set, or as a non-nil error only for
// problems the caller must treat as infrastructure failure (module
// compile failure, engine misconfiguration).
func (s *Sandbox) Run(ctx context.Context, modulePath string, input []byte, workspaceDir string) (*Result, error) {
	module, err := s.compile(modulePath)
	if err != nil {
		return nil, err
	}

	store := wasmtime.NewStore(s.engine)
	// The engine's epoch advances once per epochTick; expressing the
	// wall-clock limit in ticks makes the running guest trap once the
	// deadline has elapsed.
	store.SetEpochDeadline(uint64(s.wallClock/epochTick) + 1)
	if err := store.SetFuel(s.fuel); err != nil {
		return nil, fmt.Errorf("sandbox: set fuel: %w", err)
	}

	wasiConfig := wasmtime.NewWasiConfig()
	wasiConfig.InheritStdout()
	wasiConfig.InheritStderr()
	if workspaceDir != "" {
		if _, err := os.Stat(workspaceDir); err != nil {
			return &Result{Trap: fmt.Sprintf("workspace dir unavailable: %v", err)}, nil
		}
		if err := wasiConfig.PreopenDir(workspaceDir, "/"); err != nil {
			return nil, fmt.Errorf("sandbox: preopen workspace dir: %w", err)
		}
	}
	store.SetWasi(wasiConfig)

	linker := wasmtime.NewLinker(s.engine)
	if err := linker.DefineWasi(); err != nil {
		return nil, fmt.Errorf("sandbox: define WASI: %w", err)
	}

	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return &Result{Trap: fmt.Sprintf("instantiate failed: %v", err)}, nil
	}

	mem := instance.GetExport(store, "memory")
	if mem == nil || mem.Memory() == nil {
		return &Result{Trap: "module does not export linear memory"}, nil
	}
	memory := mem.Memory()

	allocate := instance.GetFunc(store, "allocate_memory")
	free := instance.GetFunc(store, "free_memory")
	run := instance.GetFunc(store, "run")
	if allocate == nil || free == nil || run == nil {
		return &Result{Trap: "module missing required export (allocate_memory, free_memory, or run)"}, nil
	}

	inPtrRaw, err := allocate.Call(store, int32(len(input)))
	if err != nil {
		return &Result{Trap: classifyTrap(err)}, nil
	}
	inPtr := inPtrRaw.(int32)

	data := memory.UnsafeData(store)
	copy(data[inPtr:], input)

	packedRaw, err := run.Call(store, inPtr, int32(len(input)))
	if err != nil {
		// Even on failure the input buffer was allocated; free it before
		// returning so repeated failed calls don't leak guest memory.
		free.Call(store, inPtr, int32(len(input)))
		return &Result{Trap: classifyTrap(err)}, nil
	}

	free.Call(store, inPtr, int32(len(input)))

	packedI64, ok := packedRaw.(int64)
	if !ok {
		return &Result{Trap: fmt.Sprintf("run returned %T, want packed i64", packedRaw)}, nil
	}
	packed := uint64(packedI64)
	outPtr := int32(packed >> 32)
	outSize := int32(packed & 0xFFFFFFFF)

	if outSize == 0 {
		return &Result{Output: []byte("{}")}, nil
	}

	data = memory.UnsafeData(store)
	if int(outPtr) < 0 || int(outPtr)+int(outSize) > len(data) {
		return &Result{Trap: "guest returned an output range outside linear memory"}, nil
	}
	out := make([]byte, outSize)
	copy(out, data[outPtr:outPtr+outSize])
	out = trimTrailingNULs(out)

	free.Call(store, outPtr, outSize)

	if !json.Valid(out) {
		return &Result{Trap: "guest output is not valid JSON"}, nil
	}

	return &Result{Output: out}, nil
}

func trimTrailingNULs(b []byte) []byte {
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}

// classifyTrap turns a wasmtime call error into the descriptive
// message stored on a failed TaskInstance. Fuel exhaustion and
// epoch-deadline interruption both surface from wasmtime as traps with
// a distinctive message rather than a dedicated Go error type, so they
// are matched on the message text wasmtime emits for each.
func classifyTrap(err error) string {
	var trap *wasmtime.Trap
	if errors.As(err, &trap) {
		msg := trap.Message()
		switch {
		case strings.Contains(msg, "all fuel consumed"):
			return "fuel exhausted"
		case strings.Contains(msg, "interrupt"):
			return "wall-clock deadline exceeded"
		default:
			return msg
		}
	}
	return err.Error()
}
