package scanner

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern is a labelled regular expression.
type Pattern struct {
	Label string
	Expr  string
}

// PolicyConfig is the raw, editable form of a Policy.
type PolicyConfig struct {
	// BannedImports are module names; matching is on the root package, so
	// "os.system" bans any import of os.
	BannedImports []string

	// DangerousDunders are introspection attributes matched anywhere.
	DangerousDunders []string

	// DangerousCalls are call shapes reported as "Dangerous pattern".
	DangerousCalls []Pattern

	// NetworkSubstrings are matched case-insensitively anywhere in the source.
	NetworkSubstrings []string

	BlockDynamicExec bool
	BlockFileOpen    bool

	// SourceExtensions selects which workspace files are scanned.
	SourceExtensions []string
}

// DefaultPolicyConfig returns the rule table used for researcher workspaces.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		BannedImports: []string{
			"os.system", "subprocess", "eval", "exec", "compile",
			"__import__", "importlib", "socket", "requests", "urllib",
			"http", "ftplib", "telnetlib", "smtplib",
			"multiprocessing", "threading", "asyncio",
			"pickle", "shelve", "marshal", "ctypes",
			"sys.exit", "sys.setrecursionlimit",
			"open", "file",
		},
		DangerousDunders: []string{
			"__import__", "__builtins__", "__globals__", "__code__",
			"__class__", "__bases__", "__subclasses__", "__dict__",
			"__loader__", "__spec__", "__package__", "__cached__",
		},
		DangerousCalls: []Pattern{
			{"globals()", `\bglobals\s*\(\s*\)`},
			{"locals()", `\blocals\s*\(\s*\)`},
			{"vars()", `\bvars\s*\(\s*\)`},
			{"dir()", `\bdir\s*\(\s*\)`},
			{"getattr", `\bgetattr\b`},
			{"setattr", `\bsetattr\b`},
			{"delattr", `\bdelattr\b`},
			{".read(", `\.read\s*\(`},
			{".write(", `\.write\s*\(`},
			{".seek(", `\.seek\s*\(`},
		},
		NetworkSubstrings: []string{"socket", "requests", "urllib", "http", "fetch"},
		BlockDynamicExec:  true,
		BlockFileOpen:     true,
		SourceExtensions:  []string{".py", ".pyw"},
	}
}

type rule struct {
	message string
	re      *regexp.Regexp
}

// Policy is a compiled, read-only rule table. Build it once and share the
// pointer; nothing can modify it after construction.
type Policy struct {
	rules      []rule
	network    []string
	extensions []string
}

var defaultPolicy = MustPolicy(DefaultPolicyConfig())

// DefaultPolicy returns the shared default policy.
func DefaultPolicy() *Policy {
	return defaultPolicy
}

// MustPolicy is NewPolicy that panics on a bad pattern.
func MustPolicy(cfg PolicyConfig) *Policy {
	p, err := NewPolicy(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// NewPolicy compiles cfg. Rules run in a fixed order: imports, dunders,
// call patterns, dynamic execution, file open, network.
func NewPolicy(cfg PolicyConfig) (*Policy, error) {
	p := &Policy{}

	for _, banned := range cfg.BannedImports {
		root := strings.SplitN(banned, ".", 2)[0]
		if root == "" {
			return nil, fmt.Errorf("scanner: empty banned import %q", banned)
		}
		q := regexp.QuoteMeta(root)
		re, err := regexp.Compile(`\b(?:from\s+` + q + `|import\s+(?:[\w.]+\s*,\s*)*` + q + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("scanner: banned import %q: %w", banned, err)
		}
		p.rules = append(p.rules, rule{"Banned import detected: " + banned, re})
	}

	for _, dunder := range cfg.DangerousDunders {
		p.rules = append(p.rules, rule{
			"Dangerous dunder method detected: " + dunder,
			regexp.MustCompile(regexp.QuoteMeta(dunder)),
		})
	}

	for _, pat := range cfg.DangerousCalls {
		re, err := regexp.Compile(`(?m)` + pat.Expr)
		if err != nil {
			return nil, fmt.Errorf("scanner: pattern %q: %w", pat.Label, err)
		}
		p.rules = append(p.rules, rule{"Dangerous pattern detected: " + pat.Label, re})
	}

	if cfg.BlockDynamicExec {
		p.rules = append(p.rules, rule{
			"Dynamic code execution detected (eval/exec/compile)",
			regexp.MustCompile(`\b(?:eval|exec|compile)\s*\(`),
		})
	}
	if cfg.BlockFileOpen {
		p.rules = append(p.rules, rule{
			"File I/O detected: open() is restricted in sandbox",
			regexp.MustCompile(`\bopen\s*\(`),
		})
	}

	for _, s := range cfg.NetworkSubstrings {
		p.network = append(p.network, strings.ToLower(s))
	}
	p.extensions = append(p.extensions, cfg.SourceExtensions...)
	return p, nil
}

// IsSource reports whether a workspace path is scanned under this policy.
func (p *Policy) IsSource(path string) bool {
	for _, ext := range p.extensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
