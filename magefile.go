//go:build mage

package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
	"golang.org/x/term"
)

var (
	Go = "go"
)

// Build builds the relay binary into bin/.
func Build() error {
	fmt.Println("Building...")
	return sh.Run(Go, "build", "-o", "bin/ssirelay", "./cmd/ssirelay")
}

// Clean deletes any build artifacts.
func Clean() {
	fmt.Println("Cleaning...")
	os.RemoveAll("bin")
}

// Run runs the relay with the dev config.
func Run() error {
	return runGo("./cmd/ssirelay")
}

// Test runs unit tests, skipping the ones that need an embedded postgres.
// The mage `-v` option will trigger a verbose output of the test
func Test() error {
	return goTest("-short")
}

// CITest runs every test with coverage as a part of CI.
// The mage `-v` option will trigger a verbose output of the test
func CITest() error {
	return goTest("-covermode=atomic", "-coverprofile=coverage.out")
}

// Vet reports suspicious constructs.
func Vet() error {
	return sh.RunV(Go, "vet", "./...")
}

// Spec generates an OpenAPI spec yaml based on code annotations.
func Spec() error {
	swagCommand := "swag"
	if err := installIfNotPresent(swagCommand, "github.com/swaggo/swag/cmd/swag@latest"); err != nil {
		logrus.Fatal(err)
		return err
	}
	return sh.Run(swagCommand, "init", "-g", "cmd/ssirelay/main.go", "--pd", "-o", "doc", "-ot", "yaml")
}

func goTest(extraTestArgs ...string) error {
	args := []string{"test", "-race"}
	if mg.Verbose() {
		args = append(args, "-v")
	}
	args = append(args, extraTestArgs...)
	args = append(args, "./...")
	// the race detector needs cgo
	testEnv := map[string]string{"CGO_ENABLED": "1"}
	fmt.Printf("%+v\n", args)
	_, err := sh.Exec(testEnv, colorizeTestStdout(), os.Stderr, Go, args...)
	return err
}

// colorizeTestStdout paints PASS and FAIL lines when stdout is a terminal.
func colorizeTestStdout() io.Writer {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return os.Stdout
	}
	failures := &regexpWriter{os.Stdout, regexp.MustCompile(`FAIL.*`), []byte("\033[31m$0\033[0m")}
	return &regexpWriter{failures, regexp.MustCompile(`PASS.*`), []byte("\033[32m$0\033[0m")}
}

type regexpWriter struct {
	inner io.Writer
	re    *regexp.Regexp
	repl  []byte
}

func (w *regexpWriter) Write(p []byte) (int, error) {
	r := w.re.ReplaceAll(p, w.repl)
	n, err := w.inner.Write(r)
	if n > len(r) {
		n = len(r)
	}
	return n, err
}

func runGo(cmd string, args ...string) error {
	return sh.Run(findOnPathOrGoPath("go"), append([]string{"run", cmd}, args...)...)
}

// InstallIfNotPresent installs a go based tool (if not already installed)
func installIfNotPresent(execName, goPackage string) error {
	usr, err := user.Current()
	if err != nil {
		logrus.Fatal(err)
		return err
	}
	pathOfExec := findOnPathOrGoPath(execName)
	if len(pathOfExec) == 0 {
		fmt.Printf("Attempting to go get %s\n", execName)
		cmd := exec.Command(Go, "install", goPackage)
		cmd.Dir = usr.HomeDir
		if err := cmd.Start(); err != nil {
			logrus.Fatal(err)
			return err
		}
		return cmd.Wait()
	}
	return nil
}

func findOnPathOrGoPath(execName string) string {
	if p := findOnPath(execName); p != "" {
		return p
	}
	p := filepath.Join(goPath(), "bin", execName)
	if _, err := os.Stat(p); err == nil {
		return p
	}
	fmt.Printf("Could not find %s on PATH or in GOPATH/bin\n", execName)
	return ""
}

func findOnPath(execName string) string {
	pathEnv := os.Getenv("PATH")
	pathDirectories := strings.Split(pathEnv, string(os.PathListSeparator))
	for _, pathDirectory := range pathDirectories {
		possible := filepath.Join(pathDirectory, execName)
		stat, err := os.Stat(possible)
		if err == nil || os.IsExist(err) {
			if (stat.Mode() & 0111) != 0 {
				return possible
			}
		}
	}
	return ""
}

func goPath() string {
	usr, err := user.Current()
	if err != nil {
		logrus.Fatal(err)
		return ""
	}
	goPath, goPathSet := os.LookupEnv("GOPATH")
	if !goPathSet {
		goPath = filepath.Join(usr.HomeDir, Go)
	}
	return goPath
}

// CBT runs clean, build and test.
func CBT() error {
	Clean()
	mg.SerialDeps(Build, Test)
	return nil
}
