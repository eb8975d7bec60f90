package sandbox

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/shlex"
)

// Language describes how to build and run one language inside go-judge.
type Language struct {
	Name       string
	SourceFile string
	// CompileArgs is empty for interpreted languages.
	CompileArgs []string
	// Artifact is the compiled file kept by the executor between runs.
	Artifact string
	RunArgs  []string
	Env      []string
}

// Compiled reports whether the language has a compile step.
func (l Language) Compiled() bool {
	return len(l.CompileArgs) > 0
}

// LanguageConfig is the YAML form of Language. Commands are shell-like strings.
type LanguageConfig struct {
	Name       string   `yaml:"name"`
	SourceFile string   `yaml:"sourceFile"`
	Compile    string   `yaml:"compile"`
	Artifact   string   `yaml:"artifact"`
	Run        string   `yaml:"run"`
	Env        []string `yaml:"env"`
}

var defaultEnv = []string{"PATH=/usr/local/bin:/usr/bin:/bin"}

// DefaultLanguageConfigs is used when the config file lists no languages.
var DefaultLanguageConfigs = []LanguageConfig{
	{
		Name:       "cpp",
		SourceFile: "main.cpp",
		Compile:    "/usr/bin/g++ -O2 -std=c++17 -pipe -o main main.cpp",
		Artifact:   "main",
		Run:        "main",
	},
	{
		Name:       "c",
		SourceFile: "main.c",
		Compile:    "/usr/bin/gcc -O2 -std=c11 -pipe -o main main.c -lm",
		Artifact:   "main",
		Run:        "main",
	},
	{
		Name:       "go",
		SourceFile: "main.go",
		Compile:    "/usr/local/go/bin/go build -o main main.go",
		Artifact:   "main",
		Run:        "main",
		Env:        []string{"GOCACHE=/tmp", "GOPATH=/tmp/go"},
	},
	{
		Name:       "python3",
		SourceFile: "main.py",
		Run:        "/usr/bin/python3 main.py",
	},
}

// ParseLanguages converts config entries into a lookup table keyed by name.
func ParseLanguages(cfgs []LanguageConfig) (map[string]Language, error) {
	if len(cfgs) == 0 {
		cfgs = DefaultLanguageConfigs
	}
	out := make(map[string]Language, len(cfgs))
	for _, c := range cfgs {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return nil, fmt.Errorf("language name is required")
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("language %q declared twice", name)
		}
		if c.SourceFile == "" {
			return nil, fmt.Errorf("language %q: sourceFile is required", name)
		}
		run, err := shlex.Split(c.Run)
		if err != nil || len(run) == 0 {
			return nil, fmt.Errorf("language %q: invalid run command %q", name, c.Run)
		}
		lang := Language{
			Name:       name,
			SourceFile: c.SourceFile,
			RunArgs:    run,
			Env:        append(append([]string{}, defaultEnv...), c.Env...),
		}
		if c.Compile != "" {
			compile, err := shlex.Split(c.Compile)
			if err != nil || len(compile) == 0 {
				return nil, fmt.Errorf("language %q: invalid compile command %q", name, c.Compile)
			}
			if c.Artifact == "" {
				return nil, fmt.Errorf("language %q: artifact is required for compiled languages", name)
			}
			lang.CompileArgs = compile
			lang.Artifact = c.Artifact
		}
		out[name] = lang
	}
	return out, nil
}

// LanguageNames lists the configured languages in sorted order.
func LanguageNames(langs map[string]Language) []string {
	names := make([]string, 0, len(langs))
	for n := range langs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
