// Package repoid derives a stable identifier for the repository the
// assistant is working in.
package repoid

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Resolver computes repository identifiers. The zero timeout disables the
// bound on the git subprocess.
type Resolver struct {
	timeout time.Duration
	dir     string
}

// New creates a resolver that runs git in dir ("" means the process cwd).
func New(dir string, timeout time.Duration) *Resolver {
	return &Resolver{timeout: timeout, dir: dir}
}

// ID returns a 16-hex-char identifier for the current repository: a hash of
// the origin remote URL when available, otherwise a hash of the working
// directory path.
func (r *Resolver) ID(ctx context.Context) string {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", "origin")
	cmd.Dir = r.dir
	out, err := cmd.Output()
	if err == nil {
		if url := strings.TrimSpace(string(out)); url != "" {
			return shortHash(url)
		}
	}

	dir := r.dir
	if dir == "" {
		if wd, err := os.Getwd(); err == nil {
			dir = wd
		}
	}
	return shortHash(dir)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
