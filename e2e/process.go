package main

import (
	"bytes"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// binaryPath is where build places the linkedge binary.
func binaryPath() string {
	return filepath.Join(getE2EDir(), "bin", "linkedge")
}

// buildBinary compiles ./cmd/linkedge from the project root.
func buildBinary() {
	banner("BUILD: linkedge binary")

	out := binaryPath()
	if _, err := run(getProjectDir(), "go", "build", "-o", out, "./cmd/linkedge"); err != nil {
		fatal("Build failed: %v", err)
	}
	info("Built %s", out)
}

// getProjectDir returns the absolute path to the project root.
func getProjectDir() string {
	wd, err := os.Getwd()
	if err != nil {
		fatal("Cannot get working directory: %v", err)
	}

	if filepath.Base(wd) == "e2e" {
		return filepath.Dir(wd)
	}
	if fileExists(filepath.Join(wd, "cmd", "linkedge")) {
		return wd
	}

	fatal("Cannot locate project root from %s", wd)
	return ""
}

// getE2EDir returns the absolute path to the e2e/ directory.
func getE2EDir() string {
	wd, err := os.Getwd()
	if err != nil {
		fatal("Cannot get working directory: %v", err)
	}

	if filepath.Base(wd) == "e2e" {
		return wd
	}
	candidate := filepath.Join(wd, "e2e")
	if fileExists(candidate) {
		return candidate
	}

	fatal("Cannot locate e2e directory from %s", wd)
	return ""
}

// syncBuffer collects process output from two pipes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// instance is one running linkedge process.
type instance struct {
	name string
	base string // redirect listener, e.g. http://127.0.0.1:4100
	ops  string // ops listener
	cmd  *exec.Cmd
	logs *syncBuffer

	done    chan struct{} // closed when the process exits
	waitErr error
}

// startInstance launches linkedge with env layered over a minimal
// environment and waits for /startz.
func startInstance(name string, env map[string]string) (*instance, error) {
	mainAddr, opsAddr := freeAddr(), freeAddr()
	_, port, _ := net.SplitHostPort(mainAddr)

	cmd := exec.Command(binaryPath())
	// Run from an empty directory so no .env or config file is picked up.
	cmd.Dir = os.TempDir()
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"CONFIG_FILE=/nonexistent/linkedge.yaml",
		"SERVER_HOST=127.0.0.1",
		"PORT=" + port,
		"OPS_ADDRESS=" + opsAddr,
		"LOG_LEVEL=debug",
		"LOG_FORMAT=text",
	}
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	logs := &syncBuffer{}
	cmd.Stdout = logs
	cmd.Stderr = logs

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	inst := &instance{
		name: name,
		base: "http://" + mainAddr,
		ops:  "http://" + opsAddr,
		cmd:  cmd,
		logs: logs,
		done: make(chan struct{}),
	}
	go func() {
		inst.waitErr = cmd.Wait()
		close(inst.done)
	}()

	err := pollUntil(15*time.Second, name+" /startz", func() bool {
		select {
		case <-inst.done:
			return false
		default:
		}
		resp, err := httpClient.Get(inst.ops + "/startz")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})
	if err != nil {
		inst.stop()
		return nil, fmt.Errorf("%w\n%s", err, logs.String())
	}
	return inst, nil
}

// stop sends SIGTERM and waits for a graceful exit, killing after 20s.
func (i *instance) stop() {
	select {
	case <-i.done:
		return
	default:
	}
	_ = i.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-i.done:
		if i.waitErr != nil {
			warn("%s exited with %v", i.name, i.waitErr)
		}
	case <-time.After(20 * time.Second):
		warn("%s did not exit after SIGTERM, killing", i.name)
		_ = i.cmd.Process.Kill()
		<-i.done
	}
}
