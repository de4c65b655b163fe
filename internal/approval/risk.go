package approval

import "strings"

// criticalDomains are platform entity domains whose automations can
// compromise physical security if they misfire.
var criticalDomains = []string{"lock", "alarm_control_panel", "camera", "siren"}

// highDomains can damage property or run up energy bills.
var highDomains = []string{"climate", "water_heater", "cover", "valve", "humidifier"}

// entityCountMedium and entityCountHigh bound how many entities an
// automation may touch before its risk is bumped.
const (
	entityCountMedium = 5
	entityCountHigh   = 15
)

// Track-record thresholds. Automations with at least trackRecordMinRuns
// executions and a success rate below trackRecordMedium classify at
// least medium; below trackRecordHigh at least high.
const (
	trackRecordMinRuns = 10
	trackRecordMedium  = 0.90
	trackRecordHigh    = 0.75
)

// Classify derives a risk level from the workflow type, the requested
// config, and the automation's execution history (zero executions for
// creations). The result feeds the policy table; it is deterministic so
// the same request always classifies the same way.
//
// Rules, applied as a running maximum:
//   - retirement is at least high (the automation disappears)
//   - modification is at least medium (a working automation changes)
//   - touching a critical domain (locks, alarms, cameras) is critical
//   - touching a high domain (climate, covers, valves) is at least high
//   - touching more than 15 entities is at least high, more than 5 medium
//   - a failure-prone history (10+ runs under 90% success) is at least
//     medium, under 75% at least high
func Classify(workflow WorkflowType, config map[string]any, executions int, successRate float64) RiskLevel {
	level := RiskLow

	switch workflow {
	case WorkflowRetirement:
		level = level.atLeast(RiskHigh)
	case WorkflowModification:
		level = level.atLeast(RiskMedium)
	case WorkflowCreation:
		// base level from config inspection only
	}

	if executions >= trackRecordMinRuns {
		switch {
		case successRate < trackRecordHigh:
			level = level.atLeast(RiskHigh)
		case successRate < trackRecordMedium:
			level = level.atLeast(RiskMedium)
		}
	}

	entities := collectEntityRefs(config)
	for _, ref := range entities {
		domain := entityDomain(ref)
		switch {
		case contains(criticalDomains, domain):
			return RiskCritical
		case contains(highDomains, domain):
			level = level.atLeast(RiskHigh)
		}
	}

	switch {
	case len(entities) > entityCountHigh:
		level = level.atLeast(RiskHigh)
	case len(entities) > entityCountMedium:
		level = level.atLeast(RiskMedium)
	}

	return level
}

// collectEntityRefs walks a config tree gathering anything that looks
// like a platform entity reference ("domain.object_id"), deduplicated.
func collectEntityRefs(v any) []string {
	seen := make(map[string]struct{})
	walkEntityRefs(v, seen)

	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	return refs
}

func walkEntityRefs(v any, seen map[string]struct{}) {
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			walkEntityRefs(child, seen)
		}
	case []any:
		for _, child := range t {
			walkEntityRefs(child, seen)
		}
	case string:
		if isEntityRef(t) {
			seen[t] = struct{}{}
		}
	}
}

// isEntityRef reports whether s has the "domain.object_id" shape with a
// lowercase domain. Service calls ("light.turn_on") match too, which is
// intended: the domain is what matters for risk.
func isEntityRef(s string) bool {
	dot := strings.IndexByte(s, '.')
	if dot <= 0 || dot == len(s)-1 {
		return false
	}
	domain := s[:dot]
	for _, c := range domain {
		if (c < 'a' || c > 'z') && c != '_' {
			return false
		}
	}
	return !strings.ContainsAny(s[dot+1:], ". ")
}

func entityDomain(ref string) string {
	dot := strings.IndexByte(ref, '.')
	if dot < 0 {
		return ref
	}
	return ref[:dot]
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
