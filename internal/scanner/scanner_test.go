package scanner

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan_UnsafeSources(t *testing.T) {
	sc := New(nil)

	cases := map[string]string{
		"import subprocess":                   "Banned import detected: subprocess",
		"eval(x)":                             "Dynamic code execution detected (eval/exec/compile)",
		"from os import path":                 "Banned import detected: os.system",
		"import json, pickle":                 "Banned import detected: pickle",
		"x = ().__class__.__bases__":          "Dangerous dunder method detected: __class__",
		"getattr(obj, 'x')":                   "Dangerous pattern detected: getattr",
		"print(globals())":                    "Dangerous pattern detected: globals()",
		"f.write('x')":                        "Dangerous pattern detected: .write(",
		"with open('data.csv') as f:\n  pass": "File I/O detected: open() is restricted in sandbox",
		"URL = 'HTTPS://example.com'":         "Network operation detected: http",
	}
	for src, want := range cases {
		res := sc.Scan(src)
		assert.False(t, res.Safe, "expected unsafe: %q", src)
		assert.Contains(t, res.Violations, want, "source %q", src)
	}
}

func TestScan_SafeSources(t *testing.T) {
	sc := New(nil)

	for _, src := range []string{
		"import numpy as np\nprint(np.array([1,2,3]).mean())",
		"import pandas as pd\ndf = pd.DataFrame({'a': [1, 2]})\nprint(df.describe())",
		"import osmnx",
		"from collections import Counter\nprint(Counter('abc'))",
		"",
	} {
		res := sc.Scan(src)
		assert.True(t, res.Safe, "expected safe: %q, got %v", src, res.Violations)
		assert.NotNil(t, res.Violations)
		assert.Empty(t, res.Violations)
	}
}

func TestScan_MalformedInputDoesNotPanic(t *testing.T) {
	sc := New(nil)
	assert.NotPanics(t, func() {
		sc.Scan("\xff\xfe\x00import \x00subprocess(((")
		sc.Scan(strings.Repeat("(", 100000))
	})
}

func TestScan_ReportsEveryFinding(t *testing.T) {
	res := New(nil).Scan("import socket\neval(open('x').read())")
	require.False(t, res.Safe)
	assert.Contains(t, res.Violations, "Banned import detected: socket")
	assert.Contains(t, res.Violations, "Dynamic code execution detected (eval/exec/compile)")
	assert.Contains(t, res.Violations, "File I/O detected: open() is restricted in sandbox")
	assert.Contains(t, res.Violations, "Dangerous pattern detected: .read(")
	assert.Contains(t, res.Violations, "Network operation detected: socket")
}

func TestValidateWorkspace_PrefixesAndSkipsNonSource(t *testing.T) {
	res := New(nil).ValidateWorkspace(map[string]string{
		"main.py":       "import numpy as np\nprint(np.zeros(3))",
		"lib/helper.py": "import subprocess",
		"README.md":     "Run with eval(x) and import subprocess",
		"data.csv":      "http,socket",
	})
	require.False(t, res.Safe)
	assert.Equal(t, []string{"lib/helper.py: Banned import detected: subprocess"}, res.Violations)
}

func TestValidateWorkspace_SortedAndUnsafePaths(t *testing.T) {
	res := New(nil).ValidateWorkspace(map[string]string{
		"z.py":         "eval(1)",
		"a.py":         "exec(1)",
		"../escape.py": "print(1)",
		"/etc/x.py":    "print(1)",
	})
	require.False(t, res.Safe)
	assert.Equal(t, []string{
		"../escape.py: Unsafe file path",
		"/etc/x.py: Unsafe file path",
		"a.py: Dynamic code execution detected (eval/exec/compile)",
		"z.py: Dynamic code execution detected (eval/exec/compile)",
	}, res.Violations)
}

func TestResult_Err(t *testing.T) {
	assert.NoError(t, Result{Safe: true, Violations: []string{}}.Err())

	err := New(nil).Scan("import subprocess").Err()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSecurityViolation))

	var ve *ViolationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, []string{"Banned import detected: subprocess"}, ve.Violations)
}

func TestPolicy_Custom(t *testing.T) {
	p, err := NewPolicy(PolicyConfig{
		BannedImports:    []string{"numpy"},
		SourceExtensions: []string{".py"},
	})
	require.NoError(t, err)

	sc := New(p)
	assert.False(t, sc.Scan("import numpy as np").Safe)
	assert.True(t, sc.Scan("eval(x)").Safe, "custom policy without dynamic exec rule")
	assert.True(t, DefaultPolicy().IsSource("main.py"))
	assert.False(t, DefaultPolicy().IsSource("notes.txt"))

	_, err = NewPolicy(PolicyConfig{DangerousCalls: []Pattern{{"bad", "("}}})
	assert.Error(t, err)
}

func TestSafePath(t *testing.T) {
	for p, ok := range map[string]bool{
		"main.py":        true,
		"pkg/mod.py":     true,
		"":               false,
		"/abs.py":        false,
		"../up.py":       false,
		"pkg/../../x.py": false,
		`win\path.py`:    false,
	} {
		assert.Equal(t, ok, SafePath(p), "path %q", p)
	}
}
