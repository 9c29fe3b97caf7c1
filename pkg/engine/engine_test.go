package engine

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cds-ctf/cds-server/pkg/errs"
)

func newTestEngine(t *testing.T, modules ...Module) *Engine {
	t.Helper()
	if modules == nil {
		modules = []Module{ModuleCrypto, ModuleJSON, ModuleTOML}
	}
	return New(Options{
		Modules:     modules,
		UnitTTL:     time.Minute,
		ExecTimeout: 5 * time.Second,
		Log:         logr.Discard(),
	})
}

const checkScript = `
function check(operatorId, content) {
	return content === "flag{hello}";
}
function environ(operatorId) {
	return { FLAG: "flag{" + operatorId + "}" };
}
`

func TestExecuteCheck(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Preload("c1", checkScript, time.Now()))

	v, err := e.ExecuteCheck(context.Background(), "c1", 7, "flag{hello}")
	require.NoError(t, err)
	assert.True(t, v.Correct)
	assert.False(t, v.Cheat)

	v, err = e.ExecuteCheck(context.Background(), "c1", 7, "flag{nope}")
	require.NoError(t, err)
	assert.False(t, v.Correct)
}

func TestExecuteCheckCheatVerdict(t *testing.T) {
	e := newTestEngine(t)
	script := `
function check(operatorId, content) {
	return { cheat: 42 };
}
`
	require.NoError(t, e.Preload("c2", script, time.Now()))

	v, err := e.ExecuteCheck(context.Background(), "c2", 7, "anything")
	require.NoError(t, err)
	assert.True(t, v.Cheat)
	assert.Equal(t, int64(42), v.PeerTeamID)
}

func TestExecuteEnviron(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Preload("c1", checkScript, time.Now()))

	envs, err := e.ExecuteEnviron(context.Background(), "c1", 7)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"FLAG": "flag{7}"}, envs)
}

func TestExecuteMissingFunction(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Preload("c3", `function environ(id) { return {}; }`, time.Now()))

	_, err := e.ExecuteCheck(context.Background(), "c3", 1, "x")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.MissingFunction))
}

func TestExecuteMissingUnit(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Execute(context.Background(), "absent", CheckFunction)
	assert.True(t, errs.IsKind(err, errs.MissingScript))
}

func TestExecuteScriptError(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Preload("c4", `function check(id, c) { throw new Error("boom"); }`, time.Now()))

	_, err := e.ExecuteCheck(context.Background(), "c4", 1, "x")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.ScriptError))
}

func TestExecuteTimeout(t *testing.T) {
	e := New(Options{
		ExecTimeout: 100 * time.Millisecond,
		Log:         logr.Discard(),
	})
	require.NoError(t, e.Preload("loop", `function check(id, c) { while (true) {} }`, time.Now()))

	_, err := e.ExecuteCheck(context.Background(), "loop", 1, "x")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.ScriptError))
}

func TestExecuteIsolatesVMState(t *testing.T) {
	e := newTestEngine(t)
	script := `
var counter = 0;
function check(id, c) {
	counter++;
	return counter > 1;
}
`
	require.NoError(t, e.Preload("c5", script, time.Now()))

	// Each call gets a fresh VM, so counter restarts every time.
	for i := 0; i < 3; i++ {
		v, err := e.ExecuteCheck(context.Background(), "c5", 1, "x")
		require.NoError(t, err)
		assert.False(t, v.Correct, "VM state leaked between calls")
	}
}

func TestPreloadSkipsFreshUnit(t *testing.T) {
	e := newTestEngine(t)
	changed := time.Now().Add(-time.Hour)
	require.NoError(t, e.Preload("c6", checkScript, changed))

	// A broken source with an older changedAt must be ignored because
	// the cached unit is newer.
	require.NoError(t, e.Preload("c6", "syntax error {{{", changed))

	v, err := e.ExecuteCheck(context.Background(), "c6", 1, "flag{hello}")
	require.NoError(t, err)
	assert.True(t, v.Correct)
}

func TestPreloadReplacesStaleUnit(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Preload("c7", checkScript, time.Now().Add(-time.Hour)))

	updated := `function check(id, c) { return c === "flag{v2}"; }`
	require.NoError(t, e.Preload("c7", updated, time.Now().Add(time.Hour)))

	v, err := e.ExecuteCheck(context.Background(), "c7", 1, "flag{v2}")
	require.NoError(t, err)
	assert.True(t, v.Correct)
}

func TestPreloadCompileError(t *testing.T) {
	e := newTestEngine(t)
	err := e.Preload("bad", "function {", time.Now())
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.CompileError))
}

func TestInvalidate(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Preload("c8", checkScript, time.Now()))
	assert.Equal(t, 1, e.CachedUnits())

	e.Invalidate("c8")
	assert.Equal(t, 0, e.CachedUnits())
}

func TestCryptoModule(t *testing.T) {
	e := newTestEngine(t)
	script := `
function check(id, content) {
	return crypto.sha256(content) === "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824";
}
`
	require.NoError(t, e.Preload("c9", script, time.Now()))

	v, err := e.ExecuteCheck(context.Background(), "c9", 1, "hello")
	require.NoError(t, err)
	assert.True(t, v.Correct)
}

func TestProcessModuleNotInstalledByDefault(t *testing.T) {
	e := newTestEngine(t) // crypto/json/toml only
	script := `function check(id, c) { return process.env("HOME") !== ""; }`
	require.NoError(t, e.Preload("c10", script, time.Now()))

	_, err := e.ExecuteCheck(context.Background(), "c10", 1, "x")
	require.Error(t, err, "process must not be reachable in the checker context")
	assert.True(t, errs.IsKind(err, errs.ScriptError))
}

func TestLintOK(t *testing.T) {
	e := newTestEngine(t)
	diags := e.Lint(checkScript, CheckFunction, EnvironFunction)
	assert.Nil(t, diags)
}

func TestLintSyntaxError(t *testing.T) {
	e := newTestEngine(t)
	diags := e.Lint("function check( {", CheckFunction)
	require.NotEmpty(t, diags)
	assert.Equal(t, DiagnosticError, diags[0].Kind)
	assert.Greater(t, diags[0].StartLine, 0)
}

func TestLintMissingRequiredFunction(t *testing.T) {
	e := newTestEngine(t)
	diags := e.Lint(`function check(id, c) { return true; }`, CheckFunction, EnvironFunction)
	require.Len(t, diags, 1)
	assert.Contains(t, diags[0].Message, "environ")
}

func TestLintDeduplicates(t *testing.T) {
	e := newTestEngine(t)
	diags := e.Lint(`var x = ;`, CheckFunction)
	seen := map[string]int{}
	for _, d := range diags {
		seen[string(d.Kind)+d.Message]++
	}
	for k, n := range seen {
		assert.Equal(t, 1, n, "duplicate diagnostic %s", k)
	}
}

func TestSweeperEvictsIdleUnits(t *testing.T) {
	e := New(Options{
		UnitTTL:       10 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		Log:           logr.Discard(),
	})
	require.NoError(t, e.Preload("stale", checkScript, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.RunSweeper(ctx)

	assert.Eventually(t, func() bool {
		return e.CachedUnits() == 0
	}, time.Second, 10*time.Millisecond)
}
