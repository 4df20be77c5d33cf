package lock

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// LivenessProbe decides whether the process behind an owner token is still
// running. It is consulted only for locks whose lease has not yet expired.
type LivenessProbe interface {
	IsProcessAlive(ctx context.Context, ownerToken string) bool
}

// ProbeFunc adapts a function to LivenessProbe.
type ProbeFunc func(ctx context.Context, ownerToken string) bool

// IsProcessAlive calls f.
func (f ProbeFunc) IsProcessAlive(ctx context.Context, ownerToken string) bool {
	return f(ctx, ownerToken)
}

// NewOwnerToken returns a token of the form host:pid:uuid. A fresh uuid per
// acquisition keeps tokens unique even within one process.
func NewOwnerToken(host string, pid int) string {
	return host + ":" + strconv.Itoa(pid) + ":" + uuid.NewString()
}

// ParseOwnerToken splits a token produced by NewOwnerToken.
func ParseOwnerToken(token string) (host string, pid int, ok bool) {
	parts := strings.Split(token, ":")
	if len(parts) < 3 {
		return "", 0, false
	}
	pid, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil || pid <= 0 {
		return "", 0, false
	}
	return strings.Join(parts[:len(parts)-2], ":"), pid, true
}

// PIDProbe reports an owner dead only when the owner ran on this host and
// its pid no longer exists. Owners on other hosts, and tokens it cannot
// parse, are assumed alive; expiry alone reclaims those.
type PIDProbe struct {
	Host string

	// exists is swapped in tests.
	exists func(pid int) bool
}

// NewPIDProbe returns a probe for the local host.
func NewPIDProbe() *PIDProbe {
	host, _ := os.Hostname()
	return &PIDProbe{Host: host, exists: processExists}
}

// IsProcessAlive implements LivenessProbe.
func (p *PIDProbe) IsProcessAlive(ctx context.Context, ownerToken string) bool {
	host, pid, ok := ParseOwnerToken(ownerToken)
	if !ok || host != p.Host {
		return true
	}
	if pid == os.Getpid() {
		return true
	}
	exists := p.exists
	if exists == nil {
		exists = processExists
	}
	return exists(pid)
}
