package engine

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/dop251/goja/parser"
)

// DiagnosticKind severity of a lint finding.
type DiagnosticKind string

const (
	DiagnosticWarning DiagnosticKind = "Warning"
	DiagnosticError   DiagnosticKind = "Error"
)

// Diagnostic is one compile-time finding with source coordinates.
type Diagnostic struct {
	Kind        DiagnosticKind `json:"kind"`
	Message     string         `json:"message"`
	StartLine   int            `json:"start_line"`
	StartColumn int            `json:"start_column"`
	EndLine     int            `json:"end_line"`
	EndColumn   int            `json:"end_column"`
}

// Lint compiles source without caching it and confirms every name in
// required resolves to a module-level callable. A nil result means the
// script is acceptable. Diagnostics are deduplicated by
// (kind, message, start line).
func (e *Engine) Lint(source string, required ...string) []Diagnostic {
	var diags []Diagnostic

	_, err := parser.ParseFile(nil, "script", source, 0)
	if err != nil {
		if list, ok := err.(parser.ErrorList); ok {
			for _, pe := range list {
				diags = append(diags, Diagnostic{
					Kind:        DiagnosticError,
					Message:     pe.Message,
					StartLine:   pe.Position.Line,
					StartColumn: pe.Position.Column,
					EndLine:     pe.Position.Line,
					EndColumn:   pe.Position.Column,
				})
			}
		} else {
			diags = append(diags, Diagnostic{
				Kind:    DiagnosticError,
				Message: err.Error(),
			})
		}
		return dedupe(diags)
	}

	// Syntax is fine; evaluate the module once on a throwaway VM to
	// resolve the required exports.
	prog, err := goja.Compile("script", source, true)
	if err != nil {
		diags = append(diags, Diagnostic{Kind: DiagnosticError, Message: err.Error()})
		return dedupe(diags)
	}
	vm := goja.New()
	if installErr := e.installModules(vm); installErr != nil {
		diags = append(diags, Diagnostic{Kind: DiagnosticError, Message: installErr.Error()})
		return dedupe(diags)
	}
	if _, err := vm.RunProgram(prog); err != nil {
		diags = append(diags, Diagnostic{
			Kind:    DiagnosticError,
			Message: fmt.Sprintf("module evaluation failed: %v", err),
		})
		return dedupe(diags)
	}
	for _, name := range required {
		if _, ok := goja.AssertFunction(vm.Get(name)); !ok {
			diags = append(diags, Diagnostic{
				Kind:    DiagnosticError,
				Message: fmt.Sprintf("required function %q is not defined at module scope", name),
			})
		}
	}
	return dedupe(diags)
}

func dedupe(diags []Diagnostic) []Diagnostic {
	type key struct {
		kind DiagnosticKind
		msg  string
		line int
	}
	seen := map[key]bool{}
	out := diags[:0]
	for _, d := range diags {
		k := key{d.Kind, d.Message, d.StartLine}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
