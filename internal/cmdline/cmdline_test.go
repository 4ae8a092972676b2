package cmdline

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sevir/jstd-supervisor/pkg/models"
)

func testSettings() models.Settings {
	return models.Settings{
		Port:           9876,
		RunnerMode:     models.RunnerModeInfo,
		BrowserTimeout: models.Duration(5 * time.Second),
	}
}

func TestBuilderBuild(t *testing.T) {
	dir := t.TempDir()
	jar := filepath.Join(dir, "lib", "server.jar")
	dep := filepath.Join(dir, "lib", "gson.jar")

	b := &Builder{
		JavaHome:  "/opt/jdk",
		JVMArgs:   []string{"-Xmx256m"},
		Classpath: []string{jar, dep},
	}

	cl, err := b.Build(testSettings())
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}

	wantExe := filepath.Join("/opt/jdk", "bin", "java")
	if runtime.GOOS == "windows" {
		wantExe += ".exe"
	}
	if cl.Exe != wantExe {
		t.Errorf("Expected exe %q, got %q", wantExe, cl.Exe)
	}

	want := []string{
		"-Dfile.encoding=UTF-8",
		"-Xmx256m",
		"-cp", jar + string(os.PathListSeparator) + dep,
		DefaultMainClass,
		"--port", "9876",
		"--runnerMode", "INFO",
		"--browserTimeout", "5000",
	}
	if diff := cmp.Diff(want, cl.Args); diff != "" {
		t.Errorf("Args mismatch (-want +got):\n%s", diff)
	}

	if cl.Dir != filepath.Join(dir, "lib") {
		t.Errorf("Expected work dir to default to jar dir, got %q", cl.Dir)
	}
}

func TestBuilderExplicitWorkDirAndMainClass(t *testing.T) {
	b := &Builder{
		JavaHome:  "/opt/jdk",
		Charset:   "ISO-8859-1",
		Classpath: []string{"/a/b.jar"},
		MainClass: "org.example.Main",
		WorkDir:   "/work",
	}

	cl, err := b.Build(testSettings())
	if err != nil {
		t.Fatalf("Failed to build: %v", err)
	}
	if cl.Dir != "/work" {
		t.Errorf("Expected /work, got %q", cl.Dir)
	}
	if cl.Args[0] != "-Dfile.encoding=ISO-8859-1" {
		t.Errorf("Expected charset flag first, got %q", cl.Args[0])
	}
	found := false
	for _, a := range cl.Args {
		if a == "org.example.Main" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected main class in args: %v", cl.Args)
	}
}

func TestBuilderRejectsBadInput(t *testing.T) {
	b := &Builder{JavaHome: "/opt/jdk"}
	if _, err := b.Build(testSettings()); err == nil {
		t.Error("Expected error for empty classpath")
	}

	b.Classpath = []string{"  ", ""}
	if _, err := b.Build(testSettings()); err == nil {
		t.Error("Expected error for blank classpath entries")
	}

	b.Classpath = []string{"/a.jar"}
	bad := testSettings()
	bad.Port = 0
	if _, err := b.Build(bad); err == nil {
		t.Error("Expected error for invalid settings")
	}
}

func TestJavaExecutableFromEnv(t *testing.T) {
	t.Setenv("JAVA_HOME", "/env/jdk")
	got, err := JavaExecutable("")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.HasPrefix(got, filepath.Join("/env/jdk", "bin")) {
		t.Errorf("Expected JAVA_HOME to be used, got %q", got)
	}
}

func TestParseJVMArgs(t *testing.T) {
	got, err := ParseJVMArgs(`-Xmx512m -Dname="hello world" '-Dq=a b'`)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []string{"-Xmx512m", "-Dname=hello world", "-Dq=a b"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Mismatch (-want +got):\n%s", diff)
	}

	got, err = ParseJVMArgs("   ")
	if err != nil || got != nil {
		t.Errorf("Expected nil args for blank input, got %v, %v", got, err)
	}
}

func TestCommandLineString(t *testing.T) {
	cl := &CommandLine{
		Exe:  "/usr/bin/java",
		Args: []string{"-cp", "/my dir/a.jar", "Main", ""},
	}
	want := `/usr/bin/java -cp "/my dir/a.jar" Main ""`
	if got := cl.String(); got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
}

func TestFactoryFunc(t *testing.T) {
	var f Factory = FactoryFunc(func(s models.Settings) (*CommandLine, error) {
		return &CommandLine{Exe: "x", Args: []string{s.URL()}}, nil
	})
	cl, err := f.Build(testSettings())
	if err != nil {
		t.Fatal(err)
	}
	if cl.Args[0] != "http://127.0.0.1:9876" {
		t.Errorf("Unexpected args %v", cl.Args)
	}
}
