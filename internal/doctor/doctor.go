// Package doctor probes each capability's upstream provider and
// reports whether the server could actually serve its tools. Probes
// prefer endpoints that burn no quota, and a capability whose
// credentials are absent is reported as disabled without touching the
// network.
package doctor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// probeTimeout bounds each individual probe so one stuck provider
// cannot stall the whole report.
const probeTimeout = 5 * time.Second

// Probe is a single capability check. Missing lists the environment
// variables the capability still needs; when it is non-empty Check
// never runs, so probes may close over nil adapters for disabled
// capabilities.
type Probe struct {
	Capability string
	Missing    []string
	Check      func(ctx context.Context) (string, error)
}

// Check is the outcome of one probe.
type Check struct {
	Capability string
	Enabled    bool
	Healthy    bool
	Detail     string
	Elapsed    time.Duration
}

// Run executes every probe and returns the results sorted by
// capability. Disabled probes are reported rather than skipped so the
// output always covers the full capability set.
func Run(ctx context.Context, probes []Probe) []Check {
	sorted := make([]Probe, len(probes))
	copy(sorted, probes)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Capability < sorted[j].Capability
	})

	checks := make([]Check, 0, len(sorted))
	for _, probe := range sorted {
		checks = append(checks, runOne(ctx, probe))
	}
	return checks
}

func runOne(ctx context.Context, probe Probe) Check {
	if len(probe.Missing) > 0 {
		return Check{
			Capability: probe.Capability,
			Detail:     "disabled: set " + strings.Join(probe.Missing, " and "),
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	detail, err := probe.Check(probeCtx)
	elapsed := time.Since(start)

	if err != nil {
		return Check{
			Capability: probe.Capability,
			Enabled:    true,
			Detail:     err.Error(),
			Elapsed:    elapsed,
		}
	}
	return Check{
		Capability: probe.Capability,
		Enabled:    true,
		Healthy:    true,
		Detail:     detail,
		Elapsed:    elapsed,
	}
}

// Healthy reports whether every enabled capability passed. Disabled
// capabilities do not count against health; a server with no
// credentials at all is trivially healthy.
func Healthy(checks []Check) bool {
	for _, check := range checks {
		if check.Enabled && !check.Healthy {
			return false
		}
	}
	return true
}

// Format renders the checks as an aligned, human-readable report.
func Format(checks []Check) string {
	width := 0
	for _, check := range checks {
		if len(check.Capability) > width {
			width = len(check.Capability)
		}
	}

	var b strings.Builder
	b.WriteString("Capability checks:\n\n")
	for _, check := range checks {
		symbol := "⚪"
		switch {
		case check.Enabled && check.Healthy:
			symbol = "✅"
		case check.Enabled:
			symbol = "❌"
		}
		fmt.Fprintf(&b, "  %s %-*s  %s", symbol, width, check.Capability, check.Detail)
		if check.Elapsed > 0 {
			fmt.Fprintf(&b, " (%s)", check.Elapsed.Round(time.Millisecond))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
