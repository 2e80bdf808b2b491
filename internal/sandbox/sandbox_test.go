package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// missingExportsWASM is a minimal valid module exporting only memory
// and an unrelated function, used to exercise the "module missing
// required export" failure path without needing a real guest binary.
// (module
//
//	(memory (export "memory") 1)
//	(func (export "noop")))
var missingExportsWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: () -> ()
	0x03, 0x02, 0x01, 0x00, // func section: 1 func of type 0
	0x05, 0x03, 0x01, 0x00, 0x01, // memory section: 1 page min
	0x07, 0x11, 0x02, // export section: 2 exports
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, 0x02, 0x00, // "memory" -> memory 0
	0x04, 0x6e, 0x6f, 0x6f, 0x70, 0x00, 0x00, // "noop" -> func 0
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code section: empty body
}

func writeModule(t *testing.T, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "module.wasm")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestRun_MissingRequiredExports(t *testing.T) {
	sb, err := New(Options{}, nil)
	require.NoError(t, err)
	defer sb.Close()

	path := writeModule(t, missingExportsWASM)
	result, err := sb.Run(context.Background(), path, []byte(`{}`), t.TempDir())
	require.NoError(t, err)
	require.NotEmpty(t, result.Trap)
	require.Contains(t, result.Trap, "missing required export")
}

func TestRun_InvalidModuleIsInfrastructureError(t *testing.T) {
	sb, err := New(Options{}, nil)
	require.NoError(t, err)
	defer sb.Close()

	path := writeModule(t, []byte{0x00, 0x00, 0x00, 0x00})
	_, err = sb.Run(context.Background(), path, []byte(`{}`), t.TempDir())
	require.Error(t, err)
}

func TestRun_CompileFailureDoesNotPoisonCache(t *testing.T) {
	sb, err := New(Options{}, nil)
	require.NoError(t, err)
	defer sb.Close()

	path := writeModule(t, []byte{0x00, 0x00, 0x00, 0x00})
	_, err = sb.Run(context.Background(), path, []byte(`{}`), t.TempDir())
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, missingExportsWASM, 0o644))
	result, err := sb.Run(context.Background(), path, []byte(`{}`), t.TempDir())
	require.NoError(t, err)
	require.NotEmpty(t, result.Trap)
}

func TestRun_MissingWorkspaceIsReportedNotThrown(t *testing.T) {
	sb, err := New(Options{}, nil)
	require.NoError(t, err)
	defer sb.Close()

	path := writeModule(t, missingExportsWASM)
	result, err := sb.Run(context.Background(), path, []byte(`{}`), filepath.Join(t.TempDir(), "never-created"))
	require.NoError(t, err)
	require.Contains(t, result.Trap, "workspace dir unavailable")
}

// TestRun_FullABIRoundTrip exercises a real guest module with
// allocate_memory/free_memory/run exports against a JSON echo
// fixture. Building that fixture requires a WASM toolchain the test
// suite doesn't carry, so it is skipped unless the fixture has been
// placed on disk.
func TestRun_FullABIRoundTrip(t *testing.T) {
	fixture := filepath.Join("testdata", "echo.wasm")
	if _, err := os.Stat(fixture); err != nil {
		t.Skipf("fixture %s not present, skipping full ABI round trip: %v", fixture, err)
	}

	sb, err := New(Options{}, nil)
	require.NoError(t, err)
	defer sb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := sb.Run(ctx, fixture, []byte(`{"hello":"world"}`), t.TempDir())
	require.NoError(t, err)
	require.Empty(t, result.Trap)
	require.JSONEq(t, `{"hello":"world"}`, string(result.Output))
}
