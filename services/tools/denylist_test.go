// Copyright (C) 2025 Quartermaster AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadDL(t *testing.T) *DenyList {
	t.Helper()
	dl, err := LoadDenyList()
	require.NoError(t, err)
	return dl
}

func TestDenyListForbiddenImports(t *testing.T) {
	dl := loadDL(t)

	violations := dl.Check("import \"os\"\n\nfunc F(args map[string]interface{}) (interface{}, error) { return nil, nil }")
	require.NotEmpty(t, violations)
	assert.Contains(t, violations[0], `forbidden import "os"`)

	violations = dl.Check("import (\n\t\"strings\"\n\t\"os/exec\"\n)")
	require.NotEmpty(t, violations)
	assert.Contains(t, violations[0], "os/exec")
}

func TestDenyListForeignLanguageImports(t *testing.T) {
	dl := loadDL(t)

	assert.NotEmpty(t, dl.Check("import os, sys"), "comma-separated imports are split")
	assert.NotEmpty(t, dl.Check("from os import path"))
	assert.NotEmpty(t, dl.Check("import subprocess"))
}

func TestDenyListPatterns(t *testing.T) {
	dl := loadDL(t)

	for _, source := range []string{
		`result := eval("1+1")`,
		`os.system("rm -rf /")`,
		`f := open("/etc/passwd")`,
		"out, _ := Exec(\"ls\")\nExec(",
	} {
		assert.NotEmpty(t, dl.Check(source), source)
	}
}

func TestDenyListAttributes(t *testing.T) {
	dl := loadDL(t)

	assert.NotEmpty(t, dl.Check("def __del__(self): pass"), "dunders match anywhere")
	assert.NotEmpty(t, dl.Check("f.write(data)"), "member access matches")
	assert.NotEmpty(t, dl.Check("thing . chmod(0777)"), "whitespace around the dot still matches")
	assert.Empty(t, dl.Check("// write the result to the map"), "bare words in prose pass")
}

func TestDenyListCleanSourcePasses(t *testing.T) {
	dl := loadDL(t)

	clean := `import "strings"

func Reverse(args map[string]interface{}) (interface{}, error) {
	s, _ := args["text"].(string)
	return strings.ToUpper(s), nil
}`
	assert.Empty(t, dl.Check(clean))
}

func TestDenyListReportsAllViolations(t *testing.T) {
	dl := loadDL(t)

	source := "import \"os\"\n\nfunc F() { os.system(\"x\") }"
	violations := dl.Check(source)
	assert.GreaterOrEqual(t, len(violations), 2, "import and pattern both reported")
}

func TestScanImports(t *testing.T) {
	imports := scanImports(`import (
	"strings"
	str "strconv"
)
import "fmt"`)
	assert.Equal(t, []string{"strings", "strconv", "fmt"}, imports)
}
