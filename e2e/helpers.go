package main

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"
)

// run executes a command in dir, printing it to stdout, and returns combined output.
func run(dir, name string, args ...string) (string, error) {
	fmt.Printf("  [%s] $ %s %s\n", dir, name, strings.Join(args, " "))

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	output := buf.String()

	if err != nil {
		return output, fmt.Errorf("%s %s failed: %w\n%s", name, strings.Join(args, " "), err, output)
	}

	return output, nil
}

// freeAddr reserves and releases a loopback TCP port.
func freeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fatal("Cannot reserve a port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

// banner prints a section header.
func banner(msg string) {
	fmt.Printf("\n%s\n", strings.Repeat("=", 70))
	fmt.Printf("  %s\n", msg)
	fmt.Printf("%s\n\n", strings.Repeat("=", 70))
}

// info prints an info line.
func info(format string, args ...any) {
	fmt.Printf("[INFO] "+format+"\n", args...)
}

// warn prints a warning line.
func warn(format string, args ...any) {
	fmt.Printf("[WARN] "+format+"\n", args...)
}

// fatal prints an error and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[FATAL] "+format+"\n", args...)
	os.Exit(1)
}

// fileExists checks whether a path exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// pollUntil calls check repeatedly with exponential backoff until it returns
// true or the timeout expires. Initial interval is 50ms, max interval is 1s.
func pollUntil(timeout time.Duration, desc string, check func() bool) error {
	deadline := time.Now().Add(timeout)
	interval := 50 * time.Millisecond

	for time.Now().Before(deadline) {
		if check() {
			return nil
		}
		sleep := interval
		if remaining := time.Until(deadline); sleep > remaining {
			sleep = remaining
		}
		time.Sleep(sleep)
		interval = min(interval*2, time.Second)
	}
	return fmt.Errorf("timeout after %s waiting for: %s", timeout, desc)
}
