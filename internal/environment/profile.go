package environment

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// writeIsolationProfile renders the declarative isolation profile for an
// environment and writes it inside the environment tree. The profile
// mirrors the flag-level hardening the executor applies so the two
// representations stay consistent.
func writeIsolationProfile(env *Environment) (string, error) {
	var b strings.Builder

	memBytes := int64(env.MemoryLimitMB) << 20
	diskBytes := int64(env.DiskLimitMB) << 20

	fmt.Fprintf(&b, "# Isolation profile for environment %s\n", env.Name)
	fmt.Fprintf(&b, "private %s\n", filepath.Join(env.RootPath, "home"))
	b.WriteString("private-tmp\n")
	b.WriteString("private-dev\n")
	fmt.Fprintf(&b, "cpu %d\n", env.CPULimit)
	fmt.Fprintf(&b, "rlimit-as %d\n", memBytes)
	fmt.Fprintf(&b, "rlimit-fsize %d\n", diskBytes)
	b.WriteString("caps.drop all\n")
	b.WriteString("seccomp\n")
	b.WriteString("noroot\n")
	b.WriteString("nonewprivs\n")
	if !env.NetworkEnabled {
		b.WriteString("net none\n")
	}

	// Package-manager caches stay readable inside the jail so installs
	// can resolve archives without re-downloading.
	b.WriteString("whitelist /var/cache/apt\n")
	b.WriteString("whitelist /var/lib/apt\n")
	b.WriteString("whitelist /var/lib/dpkg\n")

	path := filepath.Join(env.RootPath, env.Name+".profile")
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return "", fmt.Errorf("writing isolation profile: %w", err)
	}
	return path, nil
}
