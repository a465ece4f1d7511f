package infra

import (
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/quietscreen/usaged/internal/domain"
)

// GopsutilProbe implements domain.ProcessProbe using gopsutil. The
// bridge uses it to cross-check foreground claims: a package whose host
// process has exited cannot still be in the foreground.
type GopsutilProbe struct{}

// NewProcessProbe creates a new process probe.
func NewProcessProbe() domain.ProcessProbe {
	return &GopsutilProbe{}
}

// IsRunning reports whether any process name matches the pattern
// (case-insensitive substring match).
func (p *GopsutilProbe) IsRunning(pattern string) bool {
	procs, err := process.Processes()
	if err != nil {
		return false
	}

	patternLower := strings.ToLower(pattern)
	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil {
			continue // Process may have exited
		}
		if strings.EqualFold(name, pattern) || strings.Contains(strings.ToLower(name), patternLower) {
			return true
		}
	}
	return false
}

// Ensure GopsutilProbe implements domain.ProcessProbe.
var _ domain.ProcessProbe = (*GopsutilProbe)(nil)
