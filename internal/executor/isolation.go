package executor

import (
	"fmt"
)

const firejailBinary = "firejail"

// Resource defaults applied when an IsolationParams field is zero.
const (
	DefaultCPUCores    = 2
	DefaultMemoryBytes = 2 << 30 // 2 GB
)

// IsolationParams tunes the Firejail wrapper for one invocation.
type IsolationParams struct {
	// PrivateHome is bind-mounted as the sandbox home. Empty means a
	// throwaway tmpfs home.
	PrivateHome string

	CPUCores    int
	MemoryBytes int64

	// AllowNetwork keeps network access on. Default is no network,
	// which is what package test runs want.
	AllowNetwork bool

	// Profile points at a generated Firejail profile file. When set it
	// is passed alongside the flag-level hardening.
	Profile string
}

// buildIsolationArgv prepends the Firejail invocation to the command argv.
// Flags mirror the hardening profile: private namespaces, capability drop,
// seccomp, resource limits, and no network unless asked for.
func buildIsolationArgv(firejailPath string, p *IsolationParams, command []string) []string {
	if p == nil {
		p = &IsolationParams{}
	}

	cpu := p.CPUCores
	if cpu <= 0 {
		cpu = DefaultCPUCores
	}
	mem := p.MemoryBytes
	if mem <= 0 {
		mem = DefaultMemoryBytes
	}

	argv := []string{firejailPath, "--quiet"}

	if p.Profile != "" {
		argv = append(argv, "--profile="+p.Profile)
	}

	if p.PrivateHome != "" {
		argv = append(argv, "--private="+p.PrivateHome)
	} else {
		argv = append(argv, "--private")
	}

	argv = append(argv,
		"--private-tmp",
		"--private-dev",
		fmt.Sprintf("--cpu=%d", cpu),
		fmt.Sprintf("--rlimit-as=%d", mem),
		"--noroot",
		"--caps.drop=all",
		"--seccomp",
		"--nonewprivs",
	)

	if !p.AllowNetwork {
		argv = append(argv, "--net=none")
	}

	return append(argv, command...)
}
