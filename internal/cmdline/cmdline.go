// Package cmdline builds the command line that launches a test runner server.
package cmdline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/sevir/jstd-supervisor/pkg/models"
)

const (
	// DefaultMainClass is the entry point of the bundled server jar.
	DefaultMainClass = "com.google.jstestdriver.idea.server.JstdServerMain"
	// DefaultCharset is passed to the JVM as -Dfile.encoding.
	DefaultCharset = "UTF-8"
)

// Factory turns server settings into a runnable command line.
type Factory interface {
	Build(settings models.Settings) (*CommandLine, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(settings models.Settings) (*CommandLine, error)

// Build calls f(settings).
func (f FactoryFunc) Build(settings models.Settings) (*CommandLine, error) {
	return f(settings)
}

// CommandLine is a fully resolved process invocation.
type CommandLine struct {
	Exe  string
	Args []string
	Dir  string
	Env  []string
}

// Cmd returns an exec.Cmd for the command line. Env entries are appended to
// the current environment.
func (c *CommandLine) Cmd(ctx context.Context) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.Exe, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd
}

// String renders the command line with shell quoting where needed.
func (c *CommandLine) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, quote(c.Exe))
	for _, a := range c.Args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\n\"'\\$") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`).Replace(s) + `"`
}

// Builder builds java command lines for the server jar.
type Builder struct {
	// JavaHome is the JRE/JDK root. Empty means $JAVA_HOME, then PATH.
	JavaHome  string
	Charset   string
	JVMArgs   []string
	Classpath []string
	MainClass string
	// WorkDir defaults to the directory of the first classpath entry.
	WorkDir string
}

// Build implements Factory.
func (b *Builder) Build(settings models.Settings) (*CommandLine, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	if len(b.Classpath) == 0 {
		return nil, errors.New("classpath is empty")
	}

	mainClass := b.MainClass
	if mainClass == "" {
		mainClass = DefaultMainClass
	}
	charset := b.Charset
	if charset == "" {
		charset = DefaultCharset
	}

	classpath, err := absClasspath(b.Classpath)
	if err != nil {
		return nil, err
	}

	exe, err := JavaExecutable(b.JavaHome)
	if err != nil {
		return nil, err
	}

	workDir := b.WorkDir
	if workDir == "" {
		workDir = filepath.Dir(classpath[0])
	}

	args := []string{"-Dfile.encoding=" + charset}
	args = append(args, b.JVMArgs...)
	args = append(args,
		"-cp", strings.Join(classpath, string(os.PathListSeparator)),
		mainClass,
		"--port", strconv.Itoa(settings.Port),
		"--runnerMode", string(settings.RunnerMode),
		"--browserTimeout", strconv.FormatInt(settings.BrowserTimeoutMillis(), 10),
	)

	return &CommandLine{
		Exe:  exe,
		Args: args,
		Dir:  workDir,
	}, nil
}

func absClasspath(entries []string) ([]string, error) {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		abs, err := filepath.Abs(e)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve classpath entry %q: %w", e, err)
		}
		out = append(out, abs)
	}
	if len(out) == 0 {
		return nil, errors.New("classpath is empty")
	}
	return out, nil
}

// JavaExecutable returns the java binary under home. An empty home falls back
// to $JAVA_HOME and then to a PATH lookup.
func JavaExecutable(home string) (string, error) {
	if home == "" {
		home = os.Getenv("JAVA_HOME")
	}
	if home != "" {
		name := "java"
		if runtime.GOOS == "windows" {
			name = "java.exe"
		}
		return filepath.Join(home, "bin", name), nil
	}
	path, err := exec.LookPath("java")
	if err != nil {
		return "", fmt.Errorf("java not found (set java_home or JAVA_HOME): %w", err)
	}
	return path, nil
}

// ParseJVMArgs splits a shell-quoted JVM option string.
func ParseJVMArgs(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	args, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jvm args %q: %w", s, err)
	}
	return args, nil
}
