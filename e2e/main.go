// Package main is the orchestrator for end-to-end testing of linkedge. It
// builds the linkedge binary, starts a mock rule authority (event stream)
// and a mock analytics collector in-process, launches linkedge as a child
// process pointed at them, and runs a suite covering sync, redirects,
// targeting, A/B splits, password protection, expiry and analytics.
//
// Usage:
//
//	go run ./e2e build   # build the linkedge binary into e2e/bin
//	go run ./e2e test    # run the suite (builds first when the binary is missing)
//	go run ./e2e all     # build, then test
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "build":
		buildBinary()
	case "test":
		if !doTest() {
			os.Exit(1)
		}
	case "all":
		buildBinary()
		if !doTest() {
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: go run ./e2e <command>

Commands:
  build      Build the linkedge binary into e2e/bin
  test       Run the full E2E suite against a local linkedge process
  all        build → test`)
}

func doTest() bool {
	banner("RUNNING E2E TESTS")

	if !fileExists(binaryPath()) {
		buildBinary()
	}

	passed := runAllTests()

	if passed {
		banner("ALL TESTS PASSED")
	} else {
		banner("SOME TESTS FAILED")
	}

	return passed
}
