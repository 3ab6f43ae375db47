// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Sandboxed tool source is interpreted, never compiled: interpretation
// cannot hang on the build toolchain, needs no binary artifacts, and the
// interpreter only ever sees whitelisted stdlib symbols. Tool functions
// take the call arguments as a map and return a result:
//
//	func Fn(args map[string]interface{}) (interface{}, error)

// defaultExecTimeout bounds one sandboxed call.
const defaultExecTimeout = 5 * time.Second

// allowedImports is the whitelist for tool source. Everything else is
// refused at validation, including the rest of the stdlib.
var allowedImports = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"math":            true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"unicode":         true,
	"errors":          true,
}

// sandboxSymbols is stdlib.Symbols cut down to the import whitelist, so
// the interpreter cannot resolve a package validation would refuse. Keys
// are yaegi's "import/path/pkgname" form.
var sandboxSymbols = func() interp.Exports {
	out := interp.Exports{}
	for path, symbols := range stdlib.Symbols {
		importPath := path
		if i := strings.LastIndex(path, "/"); i >= 0 {
			importPath = path[:i]
		}
		if allowedImports[importPath] {
			out[path] = symbols
		}
	}
	return out
}()

// ValidationResult is the outcome of a deny-list + whitelist scan.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// ExecResult is the outcome of one sandboxed call.
type ExecResult struct {
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// TestCase is one sandbox test: arguments in, optional expected result.
type TestCase struct {
	Arguments      map[string]any `json:"arguments"`
	ExpectedResult any            `json:"expected_result,omitempty"`
}

// CaseResult is the outcome of one test case.
type CaseResult struct {
	Passed bool   `json:"passed"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TestReport aggregates a test run.
type TestReport struct {
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Cases  []CaseResult `json:"cases"`
}

// Sandbox validates and interprets model-authored tool source.
type Sandbox struct {
	denyList *DenyList
	timeout  time.Duration
}

// NewSandbox builds a sandbox with the embedded deny-list.
func NewSandbox() (*Sandbox, error) {
	dl, err := LoadDenyList()
	if err != nil {
		return nil, err
	}
	return &Sandbox{denyList: dl, timeout: defaultExecTimeout}, nil
}

// Validate scans source against the deny-list and the import whitelist.
// Both layers report: a source can violate several rules at once and the
// model gets every reason.
func (s *Sandbox) Validate(source string) ValidationResult {
	errs := s.denyList.Check(source)
	for _, pkg := range scanImports(source) {
		if !allowedImports[pkg] && !alreadyReported(errs, pkg) {
			errs = append(errs, fmt.Sprintf("import %q is not in the sandbox whitelist", pkg))
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

func alreadyReported(errs []string, pkg string) bool {
	needle := fmt.Sprintf("%q", pkg)
	for _, e := range errs {
		if strings.Contains(e, needle) {
			return true
		}
	}
	return false
}

// Execute validates, interprets, and calls fnName with args. Errors are
// never returned as Go errors: the result envelope carries them so the
// tool loop can hand failures back to the model as data.
func (s *Sandbox) Execute(ctx context.Context, source, fnName string, args map[string]any) ExecResult {
	start := time.Now()
	fail := func(format string, a ...any) ExecResult {
		return ExecResult{Success: false, Error: fmt.Sprintf(format, a...), DurationMs: time.Since(start).Milliseconds()}
	}

	if v := s.Validate(source); !v.Valid {
		return fail("validation refused: %s", strings.Join(v.Errors, "; "))
	}
	if fnName == "" {
		return fail("function name required")
	}

	i := interp.New(interp.Options{})
	if err := i.Use(sandboxSymbols); err != nil {
		return fail("sandbox init: %v", err)
	}
	if _, err := i.Eval(wrapSource(source)); err != nil {
		return fail("source does not evaluate: %v", err)
	}
	fnValue, err := i.Eval("main." + exportName(fnName))
	if err != nil {
		// Tolerate the unexported spelling.
		fnValue, err = i.Eval("main." + fnName)
		if err != nil {
			return fail("function %q not found: %v", fnName, err)
		}
	}
	fn, ok := fnValue.Interface().(func(map[string]interface{}) (interface{}, error))
	if !ok {
		return fail("function %q has wrong signature, want func(map[string]interface{}) (interface{}, error)", fnName)
	}

	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := fn(args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return fail("tool error: %v", out.err)
		}
		return ExecResult{Success: true, Result: out.result, DurationMs: time.Since(start).Milliseconds()}
	case <-execCtx.Done():
		// The goroutine is abandoned; the interpreter offers no preemption.
		slog.Warn("sandboxed tool timed out", "fn", fnName)
		return fail("tool execution timed out after %s", s.timeout)
	}
}

// Test runs each case through Execute and compares against the expected
// result when one is provided.
func (s *Sandbox) Test(ctx context.Context, source, fnName string, cases []TestCase) TestReport {
	report := TestReport{Cases: make([]CaseResult, 0, len(cases))}
	for _, tc := range cases {
		exec := s.Execute(ctx, source, fnName, tc.Arguments)
		cr := CaseResult{Result: exec.Result, Error: exec.Error}
		switch {
		case !exec.Success:
			cr.Passed = false
		case tc.ExpectedResult == nil:
			cr.Passed = true
		default:
			cr.Passed = looseEqual(exec.Result, tc.ExpectedResult)
			if !cr.Passed {
				cr.Error = fmt.Sprintf("expected %v, got %v", tc.ExpectedResult, exec.Result)
			}
		}
		if cr.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		report.Cases = append(report.Cases, cr)
	}
	return report
}

// looseEqual compares across the numeric types JSON round-trips produce.
func looseEqual(got, want any) bool {
	if gf, ok := asFloat(got); ok {
		if wf, ok := asFloat(want); ok {
			return gf == wf
		}
	}
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func wrapSource(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return "package main\n\n" + source
}

// exportName uppercases the first rune so "add" finds "Add".
func exportName(name string) string {
	if name == "" {
		return name
	}
	return strings.ToUpper(name[:1]) + name[1:]
}
