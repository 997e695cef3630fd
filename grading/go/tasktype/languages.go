package tasktype

import (
	"strings"

	"github.com/pkg/errors"
)

// Language describes how one programming language compiles and runs inside
// the sandbox. The set is closed; adding a language means adding compilers to
// the worker image as well.
type Language struct {
	Name            string
	SourceExtension string

	// compileCmds returns the command lines which turn the sources into
	// the named executable, run in order inside the sandbox.
	compileCmds func(sources []string, executable string) [][]string

	// runCmd returns the command line which runs the executable.
	runCmd func(executable string) []string
}

// CompilationCommands returns the command lines compiling sources into
// executable.
func (l *Language) CompilationCommands(sources []string, executable string) [][]string {
	return l.compileCmds(sources, executable)
}

// RunCommand returns the command line running the compiled executable.
func (l *Language) RunCommand(executable string) []string {
	return l.runCmd(executable)
}

var languages = []*Language{
	{
		Name:            "C11 / gcc",
		SourceExtension: ".c",
		compileCmds: func(sources []string, executable string) [][]string {
			cmd := []string{"/usr/bin/gcc", "-DEVAL", "-std=c11", "-O2", "-pipe", "-static", "-s", "-o", executable}
			cmd = append(cmd, sources...)
			cmd = append(cmd, "-lm")
			return [][]string{cmd}
		},
		runCmd: func(executable string) []string {
			return []string{"./" + executable}
		},
	},
	{
		Name:            "C++17 / g++",
		SourceExtension: ".cpp",
		compileCmds: func(sources []string, executable string) [][]string {
			cmd := []string{"/usr/bin/g++", "-DEVAL", "-std=c++17", "-O2", "-pipe", "-static", "-s", "-o", executable}
			cmd = append(cmd, sources...)
			return [][]string{cmd}
		},
		runCmd: func(executable string) []string {
			return []string{"./" + executable}
		},
	},
	{
		Name:            "Python 3 / CPython",
		SourceExtension: ".py",
		compileCmds: func(sources []string, executable string) [][]string {
			// No real compilation; a syntax check stands in so that
			// broken sources fail at the compile stage like compiled
			// languages do. The executable is the source itself.
			cmds := [][]string{{"/usr/bin/python3", "-m", "py_compile", sources[0]}}
			if sources[0] != executable {
				cmds = append(cmds, []string{"/bin/cp", sources[0], executable})
			}
			return cmds
		},
		runCmd: func(executable string) []string {
			return []string{"/usr/bin/python3", executable}
		},
	},
}

// GetLanguage returns the Language with the given name.
func GetLanguage(name string) (*Language, error) {
	for _, l := range languages {
		if l.Name == name {
			return l, nil
		}
	}
	return nil, errors.Errorf("unknown language %q", name)
}

// LanguageForSource returns the Language matching the file name's extension.
func LanguageForSource(filename string) (*Language, error) {
	for _, l := range languages {
		if strings.HasSuffix(filename, l.SourceExtension) {
			return l, nil
		}
	}
	return nil, errors.Errorf("no language for source file %q", filename)
}

// LanguageNames lists the registered language names.
func LanguageNames() []string {
	names := make([]string, 0, len(languages))
	for _, l := range languages {
		names = append(names, l.Name)
	}
	return names
}
