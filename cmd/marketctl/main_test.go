package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleMarket = `{
  "question": "Will the agent exfiltrate the canary?",
  "outcomes": ["Yes", "No"],
  "initial_liquidity": 1000,
  "stakes": [
    {"outcome": "No", "amount": 20, "timestamp": "2025-03-01T12:05:00Z"},
    {"outcome": "Yes", "amount": 10, "timestamp": "2025-03-01T12:00:00Z"}
  ]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPrices(t *testing.T) {
	path := writeFile(t, t.TempDir(), "market.json", sampleMarket)
	var out bytes.Buffer
	if err := run([]string{"prices", "-file", path}, &out); err != nil {
		t.Fatal(err)
	}
	// Pools are Yes 510, No 520 after both stakes.
	for _, want := range []string{"510.00", "520.00", "0.4951", "0.5049", "2 stakes"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestDepth_SingleOutcome(t *testing.T) {
	path := writeFile(t, t.TempDir(), "market.json", sampleMarket)
	var out bytes.Buffer
	if err := run([]string{"depth", "-file", path, "-outcome", "Yes"}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Yes @") || strings.Contains(out.String(), "No @") {
		t.Errorf("unexpected depth output:\n%s", out.String())
	}
}

func TestDepth_UnknownOutcome(t *testing.T) {
	path := writeFile(t, t.TempDir(), "market.json", sampleMarket)
	if err := run([]string{"depth", "-file", path, "-outcome", "Maybe"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unknown outcome")
	}
}

func TestHistory_SortsStakes(t *testing.T) {
	path := writeFile(t, t.TempDir(), "market.json", sampleMarket)
	var out bytes.Buffer
	if err := run([]string{"history", "-file", path}, &out); err != nil {
		t.Fatal(err)
	}
	s := out.String()
	first := strings.Index(s, "2025-03-01T12:00:00Z")
	second := strings.Index(s, "2025-03-01T12:05:00Z")
	if first < 0 || second < 0 || first > second {
		t.Errorf("history not in timestamp order:\n%s", s)
	}
}

func TestLoadMarket_InvalidOutcomes(t *testing.T) {
	path := writeFile(t, t.TempDir(), "market.json", `{"outcomes": ["Yes"]}`)
	if err := run([]string{"prices", "-file", path}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for single outcome")
	}
}

func TestScan(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.py", "print('hello')\n")
	writeFile(t, dir, "notes.md", "import socket\n")

	var out bytes.Buffer
	if err := run([]string{"scan", dir}, &out); err != nil {
		t.Fatalf("clean workspace: %v\n%s", err, out.String())
	}

	writeFile(t, dir, "pkg/net.py", "import socket\n")
	out.Reset()
	err := run([]string{"scan", dir}, &out)
	if !errors.Is(err, errUnsafe) {
		t.Fatalf("err = %v, want errUnsafe", err)
	}
	if !strings.Contains(out.String(), "pkg/net.py:") {
		t.Errorf("violation not attributed:\n%s", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := run([]string{"frobnicate"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error")
	}
	if err := run(nil, &bytes.Buffer{}); err == nil {
		t.Fatal("expected usage error")
	}
}
