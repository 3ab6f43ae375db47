// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tools implements the tool-calling loop: a registry with
// JSON-schema validated parameters, a deny-list validated sandbox for
// model-authored tool source, persistent tool storage, and the meta-tools
// the model uses to write, test, and register new tools at runtime.
package tools

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed denylist.yaml
var denyListYAML []byte

// DenyList holds the refusal rules applied to candidate tool source.
type DenyList struct {
	Imports    []string `yaml:"imports"`
	Patterns   []string `yaml:"patterns"`
	Attributes []string `yaml:"attributes"`

	importSet map[string]bool
	attrRes   []*regexp.Regexp
}

// LoadDenyList parses the embedded rules.
func LoadDenyList() (*DenyList, error) {
	var dl DenyList
	if err := yaml.Unmarshal(denyListYAML, &dl); err != nil {
		return nil, fmt.Errorf("parse deny-list: %w", err)
	}
	dl.importSet = make(map[string]bool, len(dl.Imports))
	for _, imp := range dl.Imports {
		dl.importSet[imp] = true
	}
	dl.attrRes = make([]*regexp.Regexp, 0, len(dl.Attributes))
	for _, attr := range dl.Attributes {
		// Dunder names match anywhere; plain attributes fire on member
		// access only, not on the bare word in prose.
		if strings.HasPrefix(attr, "__") {
			dl.attrRes = append(dl.attrRes, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(attr)))
		} else {
			dl.attrRes = append(dl.attrRes, regexp.MustCompile(`(?i)\.\s*`+regexp.QuoteMeta(attr)+`\b`))
		}
	}
	return &dl, nil
}

// scanImports extracts imported package paths from source, tolerating
// single imports, import blocks, and foreign-language import statements
// (model-authored source is not always Go).
func scanImports(source string) []string {
	var out []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := strings.Trim(strings.TrimSpace(stripAlias(trimmed)), `"`); pkg != "" {
				out = append(out, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			rest := strings.TrimPrefix(trimmed, "import ")
			// "import os, sys" style multi-imports split on commas.
			for _, part := range strings.Split(rest, ",") {
				pkg := strings.Trim(strings.TrimSpace(stripAlias(part)), `"`)
				if pkg != "" {
					out = append(out, pkg)
				}
			}
		case strings.HasPrefix(trimmed, "from ") && strings.Contains(trimmed, " import "):
			pkg := strings.TrimSpace(strings.TrimPrefix(trimmed, "from "))
			if i := strings.Index(pkg, " "); i > 0 {
				out = append(out, pkg[:i])
			}
		}
	}
	return out
}

func stripAlias(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 2 && !strings.HasPrefix(fields[0], `"`) {
		return fields[1]
	}
	return s
}

// Check scans source against the deny-list and returns every violation.
// An empty slice means the source passed.
func (dl *DenyList) Check(source string) []string {
	var violations []string
	for _, pkg := range scanImports(source) {
		root := pkg
		if i := strings.Index(pkg, "/"); i > 0 {
			root = pkg[:i]
		}
		if dl.importSet[pkg] || dl.importSet[root] {
			violations = append(violations, fmt.Sprintf("forbidden import %q", pkg))
		}
	}
	lower := strings.ToLower(source)
	for _, pattern := range dl.Patterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			violations = append(violations, fmt.Sprintf("forbidden pattern %q", pattern))
		}
	}
	for i, re := range dl.attrRes {
		if re.MatchString(source) {
			violations = append(violations, fmt.Sprintf("forbidden attribute access %q", dl.Attributes[i]))
		}
	}
	return violations
}
