/*
Copyright 2024 The CdsCTF Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package engine compiles and executes untrusted per-challenge scoring
// scripts. Compiled units are shared and cached per challenge; every
// Execute runs on a fresh single-use VM, so script state never leaks
// between calls.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/go-logr/logr"

	"github.com/cds-ctf/cds-server/pkg/errs"
)

// Module is an opt-in host capability exposed to scripts.
type Module string

const (
	ModuleHTTP    Module = "http"
	ModuleJSON    Module = "json"
	ModuleTOML    Module = "toml"
	ModuleCrypto  Module = "crypto"
	ModuleProcess Module = "process"
)

// CheckFunction and EnvironFunction are the two callables a challenge
// script must export.
const (
	CheckFunction   = "check"
	EnvironFunction = "environ"
)

// Options configures the root context every VM is built from.
type Options struct {
	// Modules chooses which host capabilities scripts may touch. The
	// production checker context enables crypto/json/http/toml and
	// never process.
	Modules []Module
	// UnitTTL evicts compiled units not accessed for this long.
	UnitTTL time.Duration
	// SweepInterval is how often the sweeper wakes.
	SweepInterval time.Duration
	// ExecTimeout interrupts a single script call. Zero means 10s.
	ExecTimeout time.Duration

	Log logr.Logger
}

// Engine holds the shared compiled-unit cache and the module context.
type Engine struct {
	opts  Options
	units *unitCache
	log   logr.Logger
}

func New(opts Options) *Engine {
	if opts.UnitTTL <= 0 {
		opts.UnitTTL = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 10 * time.Second
	}
	return &Engine{
		opts:  opts,
		units: newUnitCache(),
		log:   opts.Log.WithName("engine"),
	}
}

// Preload compiles source once and memoizes it under key. When the
// cached unit is no older than changedAt the compile is skipped.
func (e *Engine) Preload(key, source string, changedAt time.Time) error {
	if u := e.units.get(key); u != nil && !u.compiledAt.Before(changedAt) {
		return nil
	}
	prog, err := goja.Compile(key, source, true)
	if err != nil {
		return errs.Wrap(err, errs.CompileError, "compile script")
	}
	e.units.put(key, prog)
	return nil
}

// Invalidate drops the compiled unit for key, forcing a recompile on
// the next Preload.
func (e *Engine) Invalidate(key string) {
	e.units.drop(key)
}

// CachedUnits reports the current cache size.
func (e *Engine) CachedUnits() int {
	return e.units.len()
}

// Execute runs the exported function of a cached unit on a fresh VM.
// Units are shared, values are not.
func (e *Engine) Execute(ctx context.Context, key, function string, args ...interface{}) (interface{}, error) {
	u := e.units.get(key)
	if u == nil {
		return nil, errs.New(errs.MissingScript, "no compiled unit for %s", key)
	}

	vm := goja.New()
	if err := e.installModules(vm); err != nil {
		return nil, err
	}

	// Interrupt the VM when the call deadline or the caller's context
	// expires. Scripts are cooperative and single-threaded; Interrupt
	// is the only cross-goroutine operation goja permits.
	execCtx, cancel := context.WithTimeout(ctx, e.opts.ExecTimeout)
	defer cancel()
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-execCtx.Done():
			vm.Interrupt("execution timed out")
		case <-watchdogDone:
		}
	}()

	if _, err := vm.RunProgram(u.prog); err != nil {
		return nil, errs.Wrap(err, errs.ScriptError, "evaluate module")
	}

	fn, ok := goja.AssertFunction(vm.Get(function))
	if !ok {
		return nil, errs.New(errs.MissingFunction, "script does not export %q", function)
	}

	jsArgs := make([]goja.Value, 0, len(args))
	for _, a := range args {
		jsArgs = append(jsArgs, vm.ToValue(a))
	}
	res, err := fn(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, errs.Wrap(err, errs.ScriptError, "call script function")
	}
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil, nil
	}
	return res.Export(), nil
}

// Verdict is the decoded result of a script check call.
type Verdict struct {
	Correct    bool
	Cheat      bool
	PeerTeamID int64
}

// ExecuteCheck invokes check(operator_id, content) and decodes the
// script's verdict: a boolean for correctness, or {cheat: peer_team_id}
// to trigger anti-cheat.
func (e *Engine) ExecuteCheck(ctx context.Context, key string, operatorID int64, content string) (Verdict, error) {
	raw, err := e.Execute(ctx, key, CheckFunction, operatorID, content)
	if err != nil {
		return Verdict{}, err
	}
	switch v := raw.(type) {
	case bool:
		return Verdict{Correct: v}, nil
	case map[string]interface{}:
		if peer, ok := toInt64(v["cheat"]); ok {
			return Verdict{Cheat: true, PeerTeamID: peer}, nil
		}
	}
	return Verdict{}, errs.New(errs.ScriptError, "check returned unexpected value %v", raw)
}

// ExecuteEnviron invokes environ(operator_id) and decodes the
// environment variable map the script wants injected.
func (e *Engine) ExecuteEnviron(ctx context.Context, key string, operatorID int64) (map[string]string, error) {
	raw, err := e.Execute(ctx, key, EnvironFunction, operatorID)
	if err != nil {
		return nil, err
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, errs.New(errs.ScriptError, "environ returned unexpected value %v", raw)
	}
	envs := make(map[string]string, len(obj))
	for k, v := range obj {
		envs[k] = fmt.Sprintf("%v", v)
	}
	return envs, nil
}

// RunSweeper evicts stale compiled units until ctx is done.
func (e *Engine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := e.units.sweep(e.opts.UnitTTL)
			if evicted > 0 {
				e.log.V(1).Info("evicted stale script units", "count", evicted)
			}
		}
	}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
