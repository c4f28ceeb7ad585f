// Package compilerargs classifies a compiler command line and decides
// whether it is a single-source compile that can run on another machine.
package compilerargs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
)

var ErrNotCompilable = errors.New("not a remotely compilable invocation")

// maxResponseFileDepth bounds @file expansion, which may nest.
const maxResponseFileDepth = 8

type Language int

const (
	C Language = iota
	CPlusPlus
	ObjectiveC
	ObjectiveCPlusPlus
	AssemblerWithCpp
)

func (l Language) String() string {
	switch l {
	case C:
		return "c"
	case CPlusPlus:
		return "c++"
	case ObjectiveC:
		return "objective-c"
	case ObjectiveCPlusPlus:
		return "objective-c++"
	case AssemblerWithCpp:
		return "assembler-with-cpp"
	}
	return fmt.Sprintf("Language(%d)", int(l))
}

var extensions = map[string]Language{
	".c":   C,
	".cc":  CPlusPlus,
	".cp":  CPlusPlus,
	".cpp": CPlusPlus,
	".cxx": CPlusPlus,
	".c++": CPlusPlus,
	".C":   CPlusPlus,
	".CPP": CPlusPlus,
	".m":   ObjectiveC,
	".mm":  ObjectiveCPlusPlus,
	".M":   ObjectiveCPlusPlus,
	".S":   AssemblerWithCpp,
	".sx":  AssemblerWithCpp,
}

var languageNames = map[string]Language{
	"c":                  C,
	"c++":                CPlusPlus,
	"objective-c":        ObjectiveC,
	"objective-c++":      ObjectiveCPlusPlus,
	"assembler-with-cpp": AssemblerWithCpp,
}

// Flags whose value is the following argument when written separately.
var flagsWithValue = map[string]bool{
	"-o":                 true,
	"-x":                 true,
	"-arch":              true,
	"-D":                 true,
	"-U":                 true,
	"-I":                 true,
	"-F":                 true,
	"-B":                 true,
	"-L":                 true,
	"-MF":                true,
	"-MT":                true,
	"-MQ":                true,
	"-include":           true,
	"-imacros":           true,
	"-isystem":           true,
	"-iquote":            true,
	"-idirafter":         true,
	"-iprefix":           true,
	"-iwithprefix":       true,
	"-iwithprefixbefore": true,
	"-isysroot":          true,
	"--sysroot":          true,
	"-include-pch":       true,
	"-target":            true,
	"-aux-info":          true,
	"-Xclang":            true,
	"-Xpreprocessor":     true,
	"-Xassembler":        true,
	"-Xlinker":           true,
	"-mllvm":             true,
	"-ftemplate-depth":   true,
	"-fconstexpr-depth":  true,
	"-fmodule-map-file":  true,
}

// Dependency generation runs next to the preprocessor on this machine.
var (
	depFlags          = map[string]bool{"-MD": true, "-MMD": true, "-MP": true}
	depFlagsWithValue = map[string]bool{"-MF": true, "-MT": true, "-MQ": true}
)

type CompilerArgs struct {
	// CommandLine is the full argv, response files expanded.
	CommandLine []string
	SourceFile  string
	// Output is the object file, derived from the source when -o is absent.
	Output   string
	Language Language

	explicitOutput bool
	dependencies   bool
	depFile        bool
	depTarget      bool
}

// Parse accepts argv of a compiler invocation. Anything but the compilation
// of exactly one source file to an object file yields ErrNotCompilable.
func Parse(argv []string) (*CompilerArgs, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command line", ErrNotCompilable)
	}
	expanded, err := expandResponseFiles(argv[1:], 0)
	if err != nil {
		return nil, err
	}

	args := &CompilerArgs{
		CommandLine: append([]string{argv[0]}, expanded...),
	}
	var compile bool
	var explicitLanguage *Language
	var arches int
	var sources []string

	for i := 1; i < len(args.CommandLine); i++ {
		arg := args.CommandLine[i]
		value := func() (string, error) {
			if i+1 >= len(args.CommandLine) {
				return "", fmt.Errorf("%w: missing value for %s", ErrNotCompilable, arg)
			}
			i++
			return args.CommandLine[i], nil
		}

		switch {
		case arg == "-c":
			compile = true
		case arg == "-E", arg == "-S", arg == "-M", arg == "-MM", arg == "-fsyntax-only":
			return nil, fmt.Errorf("%w: %s", ErrNotCompilable, arg)
		case arg == "-":
			return nil, fmt.Errorf("%w: reading source from stdin", ErrNotCompilable)
		case arg == "-o":
			v, err := value()
			if err != nil {
				return nil, err
			}
			args.Output, args.explicitOutput = v, true
		case strings.HasPrefix(arg, "-o") && len(arg) > 2:
			args.Output, args.explicitOutput = arg[2:], true
		case arg == "-x" || (strings.HasPrefix(arg, "-x") && len(arg) > 2 && !flagsWithValue[arg]):
			name := strings.TrimPrefix(arg, "-x")
			if name == "" {
				if name, err = value(); err != nil {
					return nil, err
				}
			}
			lang, ok := languageNames[name]
			if !ok {
				return nil, fmt.Errorf("%w: language %q", ErrNotCompilable, name)
			}
			explicitLanguage = &lang
		case arg == "-arch":
			if _, err := value(); err != nil {
				return nil, err
			}
			if arches++; arches > 1 {
				return nil, fmt.Errorf("%w: multiple -arch", ErrNotCompilable)
			}
		case depFlags[arg]:
			args.dependencies = true
		case depFlagsWithValue[arg]:
			if _, err := value(); err != nil {
				return nil, err
			}
			if arg == "-MF" {
				args.depFile = true
			} else {
				args.depTarget = true
			}
		case flagsWithValue[arg]:
			if _, err := value(); err != nil {
				return nil, err
			}
		case strings.HasPrefix(arg, "-"):
		default:
			sources = append(sources, arg)
		}
	}

	if !compile {
		return nil, fmt.Errorf("%w: no -c", ErrNotCompilable)
	}
	if len(sources) != 1 {
		return nil, fmt.Errorf("%w: %d input files", ErrNotCompilable, len(sources))
	}
	args.SourceFile = sources[0]
	if explicitLanguage != nil {
		args.Language = *explicitLanguage
	} else {
		lang, ok := extensions[filepath.Ext(args.SourceFile)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown source type %s", ErrNotCompilable, args.SourceFile)
		}
		args.Language = lang
	}
	if !args.explicitOutput {
		base := filepath.Base(args.SourceFile)
		args.Output = strings.TrimSuffix(base, filepath.Ext(base)) + ".o"
	}
	return args, nil
}

func expandResponseFiles(args []string, depth int) ([]string, error) {
	var out []string
	for _, arg := range args {
		if len(arg) < 2 || arg[0] != '@' {
			out = append(out, arg)
			continue
		}
		if depth >= maxResponseFileDepth {
			return nil, fmt.Errorf("%w: response files nested too deeply", ErrNotCompilable)
		}
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			// Like the compiler driver, an unreadable @file is an ordinary argument.
			out = append(out, arg)
			continue
		}
		words, err := shellquote.Split(string(data))
		if err != nil {
			return nil, fmt.Errorf("%w: response file %s: %s", ErrNotCompilable, arg[1:], err.Error())
		}
		nested, err := expandResponseFiles(words, depth+1)
		if err != nil {
			return nil, err
		}
		out = append(out, nested...)
	}
	return out, nil
}

// PreprocessArgs are the arguments, without argv[0], that write the
// preprocessed translation unit to stdout. Dependency files are produced
// here with the names the real compile would have used.
func (a *CompilerArgs) PreprocessArgs() []string {
	out := make([]string, 0, len(a.CommandLine)+4)
	for i := 1; i < len(a.CommandLine); i++ {
		arg := a.CommandLine[i]
		switch {
		case arg == "-c":
			out = append(out, "-E")
		case arg == "-o":
			i++
		case strings.HasPrefix(arg, "-o") && len(arg) > 2:
		case flagsWithValue[arg] && i+1 < len(a.CommandLine):
			out = append(out, arg, a.CommandLine[i+1])
			i++
		default:
			out = append(out, arg)
		}
	}
	if a.dependencies {
		if !a.depFile {
			out = append(out, "-MF", strings.TrimSuffix(a.Output, filepath.Ext(a.Output))+".d")
		}
		if !a.depTarget {
			out = append(out, "-MT", a.Output)
		}
	}
	return out
}

// RemoteCommandLine is the command line the worker runs, with the compiler
// replaced by its path inside the uploaded environment.
func (a *CompilerArgs) RemoteCommandLine(compiler string) []string {
	out := make([]string, 0, len(a.CommandLine))
	out = append(out, compiler)
	for i := 1; i < len(a.CommandLine); i++ {
		arg := a.CommandLine[i]
		switch {
		case depFlags[arg]:
		case depFlagsWithValue[arg]:
			i++
		case flagsWithValue[arg] && i+1 < len(a.CommandLine):
			out = append(out, arg, a.CommandLine[i+1])
			i++
		default:
			out = append(out, arg)
		}
	}
	return out
}

// OutputFiles are the files a remote compile is allowed to produce.
func (a *CompilerArgs) OutputFiles() []string {
	return []string{a.Output}
}

func (a *CompilerArgs) IsOutputFile(path string) bool {
	path = filepath.Clean(path)
	for _, f := range a.OutputFiles() {
		if filepath.Clean(f) == path {
			return true
		}
	}
	return false
}

func (a *CompilerArgs) String() string {
	return shellquote.Join(a.CommandLine...)
}
