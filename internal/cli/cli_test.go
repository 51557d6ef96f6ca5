package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/larder/pkg/checkout"
	"github.com/mesh-intelligence/larder/pkg/entities"
	"github.com/mesh-intelligence/larder/pkg/larder"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// testEnv is an isolated config and data directory pair.
type testEnv struct {
	t         *testing.T
	configDir string
	dataDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	for _, k := range []string{"LARDER_CONFIG_DIR", "LARDER_DATA_DIR", "LARDER_CONNECTION", "LARDER_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	dir := t.TempDir()
	return &testEnv{
		t:         t,
		configDir: filepath.Join(dir, "config"),
		dataDir:   filepath.Join(dir, "data"),
	}
}

type cmdResult struct {
	stdout string
	stderr string
	err    error
}

// run executes the root command in process with the env's directories.
func (e *testEnv) run(args ...string) cmdResult {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--config-dir", e.configDir, "--data-dir", e.dataDir}, args...))
	err := cmd.ExecuteContext(context.Background())
	return cmdResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func (e *testEnv) mustRun(args ...string) string {
	e.t.Helper()
	r := e.run(args...)
	require.NoError(e.t, r.err, "larder %v\nstderr: %s", args, r.stderr)
	return r.stdout
}

// seed writes three tickets with one order each straight through the library.
func (e *testEnv) seed() []int64 {
	e.t.Helper()
	ctx := context.Background()
	l, err := larder.Open(ctx, types.Config{Connection: filepath.Join(e.dataDir, "larder.db")})
	require.NoError(e.t, err)
	defer l.Close()

	var ids []int64
	for _, n := range []string{"A-1", "A-2", "B-1"} {
		tk := &entities.Ticket{Number: n, TotalAmount: 5}
		tk.AddOrder(&entities.Order{MenuItem: "tea", Quantity: 1, Price: 5})
		require.NoError(e.t, l.Checkout.Save(ctx, tk, checkout.Detached()))
		ids = append(ids, tk.ID)
	}
	return ids
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t)
	out := env.mustRun("version")
	assert.Contains(t, out, "larder v"+larder.Version)
	assert.Contains(t, out, modulePath)
}

func TestInitWritesConfigAndStore(t *testing.T) {
	env := newTestEnv(t)
	out := env.mustRun("init")
	assert.Contains(t, out, "Larder initialized (sqlite:")

	data, err := os.ReadFile(filepath.Join(env.configDir, "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "connection: "+filepath.Join(env.dataDir, "larder.db"))
	assert.Contains(t, string(data), "log_level: info")

	_, err = os.Stat(filepath.Join(env.dataDir, "larder.db"))
	require.NoError(t, err)

	custom := "connection: " + filepath.Join(env.dataDir, "till.jsonl") + "\nlog_level: warn\n"
	require.NoError(t, os.WriteFile(filepath.Join(env.configDir, "config.yaml"), []byte(custom), 0o644))
	out = env.mustRun("init")
	assert.Contains(t, out, "jsonl:")
	data, err = os.ReadFile(filepath.Join(env.configDir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, custom, string(data), "existing config is left alone")
}

func TestConnectionFromEnvironment(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("LARDER_CONNECTION", filepath.Join(env.dataDir, "env.jsonl"))
	assert.Equal(t, "1\n", env.mustRun("next", "tickets"))
	_, err := os.Stat(filepath.Join(env.dataDir, "env.jsonl"))
	assert.NoError(t, err)
}

func TestNext(t *testing.T) {
	env := newTestEnv(t)
	for want := 1; want <= 3; want++ {
		assert.Equal(t, strconv.Itoa(want)+"\n", env.mustRun("next", "tickets"))
	}
	out := env.mustRun("--json", "next", "tickets")
	assert.JSONEq(t, `{"number":4}`, out)
}

func TestQueries(t *testing.T) {
	env := newTestEnv(t)
	ids := env.seed()

	out := env.mustRun("get", "ticket", strconv.FormatInt(ids[1], 10))
	var tk entities.Ticket
	require.NoError(t, json.Unmarshal([]byte(out), &tk))
	assert.Equal(t, "A-2", tk.Number)

	out = env.mustRun("list", "ticket", "--where", "e.number.startsWith(args.p)", "--arg", "p=A")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 2)

	out = env.mustRun("--json", "list", "order", "--where", "e.ticket_id == args.t", "--arg", "t="+strconv.FormatInt(ids[2], 10))
	var orders []entities.Order
	require.NoError(t, json.Unmarshal([]byte(out), &orders))
	require.Len(t, orders, 1)
	assert.Equal(t, ids[2], orders[0].TicketID)

	assert.Equal(t, "3\n", env.mustRun("count", "order"))
	assert.Equal(t, "15\n", env.mustRun("sum", "ticket", "total_amount"))
	assert.JSONEq(t, `{"sum":10}`, env.mustRun("--json", "sum", "ticket", "total_amount", "--where", "e.number.startsWith('A')"))
	assert.JSONEq(t, `["tea"]`, env.mustRun("distinct", "order", "menu_item"))
}

func TestErrorsMapToExitCodes(t *testing.T) {
	env := newTestEnv(t)
	env.seed()

	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "missing entity", args: []string{"get", "ticket", "999"}, want: exitUserError},
		{name: "bad identifier", args: []string{"get", "ticket", "abc"}, want: exitUserError},
		{name: "unknown kind", args: []string{"count", "menu"}, want: exitUserError},
		{name: "bad predicate", args: []string{"list", "ticket", "--where", "e.number +"}, want: exitUserError},
		{name: "malformed argument", args: []string{"list", "ticket", "--arg", "p"}, want: exitUserError},
		{name: "unknown connection", args: []string{"--connection", "till.csv", "count", "ticket"}, want: exitUserError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := env.run(tt.args...)
			require.Error(t, r.err)
			assert.Equal(t, tt.want, exitCode(r.err), r.err.Error())
		})
	}

	assert.Equal(t, exitSysError, exitCode(errors.New("disk on fire")))
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{in: "42", want: int64(42)},
		{in: "-3", want: int64(-3)},
		{in: "2.5", want: 2.5},
		{in: "true", want: true},
		{in: "tea", want: "tea"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseValue(tt.in))
		})
	}
}
