package execx

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"time"
)

// resolveTimeout bounds PATH lookups and package-manager detection.
const resolveTimeout = 3 * time.Second

// ErrInstallUnsupported marks platforms where no automatic install path
// exists. Distinct from an install that ran and failed: the remediation is
// manual installation, not a retry.
var ErrInstallUnsupported = errors.New("automatic install is not supported on this platform")

// InstallCommand describes a package-manager invocation that installs a
// tunnel binary.
type InstallCommand struct {
	Command string
	Args    []string
}

// windowsPackageIDs maps a binary name to its winget package identifier.
// Windows package managers key on publisher ids, not binary names.
var windowsPackageIDs = map[string]string{
	"tailscale":   "Tailscale.Tailscale",
	"cloudflared": "Cloudflare.cloudflared",
}

// Resolve locates an executable by shelling out to the platform's
// which/where equivalent and taking the first non-empty output line.
// A missing binary returns "" with no error.
func Resolve(ctx context.Context, name string) string {
	lookup := "which"
	if runtime.GOOS == "windows" {
		lookup = "where"
	}

	result, err := Run(ctx, lookup, []string{name}, resolveTimeout)
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(result.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line
		}
	}
	return ""
}

// ResolveInstallCommand returns the platform-appropriate command to install
// the named binary, or nil when automatic installation is unsupported on
// this platform or no package manager is present. A nil return is a
// legitimate terminal condition, not an error: callers must direct the user
// to install the binary manually.
func ResolveInstallCommand(ctx context.Context, name string) *InstallCommand {
	switch runtime.GOOS {
	case "darwin":
		for _, mgr := range []string{"brew", "port"} {
			if Resolve(ctx, mgr) != "" {
				return &InstallCommand{Command: mgr, Args: []string{"install", name}}
			}
		}
	case "linux":
		for _, mgr := range []string{"apt-get", "dnf"} {
			if Resolve(ctx, mgr) != "" {
				return &InstallCommand{Command: mgr, Args: []string{"install", "-y", name}}
			}
		}
	case "windows":
		pkg, ok := windowsPackageIDs[name]
		if !ok {
			pkg = name
		}
		if Resolve(ctx, "winget") != "" {
			return &InstallCommand{Command: "winget", Args: []string{"install", "--accept-package-agreements", pkg}}
		}
		if Resolve(ctx, "choco") != "" {
			return &InstallCommand{Command: "choco", Args: []string{"install", "-y", name}}
		}
	}
	return nil
}
