package evaluation

import (
	"regexp"
	"strings"

	"github.com/jeeves-cluster-organization/changeflow/coreengine/observability"
)

var (
	actionVerbPattern   = regexp.MustCompile(`(?i)\b(add|change|fix|update|create|remove|build|improve|migrate|redesign)\b`)
	greetingOnlyPattern = regexp.MustCompile(`(?i)^(hi|hello|thanks|ok|sure)[\s.,!?]*$`)
	headingPattern      = regexp.MustCompile(`^\s{0,3}(#{1,6})\s+(.*)$`)
	listItemPattern     = regexp.MustCompile(`^\s*(\d+[.)]|[-*+])\s+\S`)
)

// Heuristic check names.
const (
	CheckRequestLength   = "request_length_ok"
	CheckNotEmpty        = "not_empty"
	CheckActionVerb      = "has_action_verb"
	CheckNotGreetingOnly = "auto_fail_greeting"
	CheckPlanStructure   = "plan_has_structure"
)

// LightweightChecks runs the non-model sanity checks. The plan check is
// included only when plan is non-empty.
func LightweightChecks(request, plan string) map[string]bool {
	trimmed := strings.TrimSpace(request)
	checks := map[string]bool{
		CheckRequestLength:   len(trimmed) >= 10,
		CheckNotEmpty:        len(trimmed) > 0,
		CheckActionVerb:      actionVerbPattern.MatchString(request),
		CheckNotGreetingOnly: !greetingOnlyPattern.MatchString(trimmed),
	}
	if plan != "" {
		checks[CheckPlanStructure] = hasHeading(plan, "task summary") && hasHeading(plan, "execution steps")
	}
	return checks
}

// RecordChecks publishes check results as metrics.
func RecordChecks(checks map[string]bool) {
	for name, passed := range checks {
		observability.RecordHeuristicCheck(name, passed)
	}
}

// IsGreetingOnly reports whether request is a bare greeting or acknowledgment.
func IsGreetingOnly(request string) bool {
	return greetingOnlyPattern.MatchString(strings.TrimSpace(request))
}

// ExecutionStepsCheck triggers when the artifact has no Execution Steps
// heading or no list items under it. Deeper sub-headings belong to the section.
func ExecutionStepsCheck(_ string, artifact string) (bool, string) {
	sectionLevel := 0
	found := false
	for _, line := range strings.Split(artifact, "\n") {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			level := len(m[1])
			if sectionLevel > 0 {
				if level <= sectionLevel {
					break
				}
				continue
			}
			if strings.Contains(strings.ToLower(m[2]), "execution steps") {
				sectionLevel = level
				found = true
			}
			continue
		}
		if sectionLevel > 0 && listItemPattern.MatchString(line) {
			return false, ""
		}
	}
	if !found {
		return true, "structural check: no Execution Steps section in plan"
	}
	return true, "structural check: Execution Steps section has no list items"
}

func hasHeading(markdown, title string) bool {
	for _, line := range strings.Split(markdown, "\n") {
		if m := headingPattern.FindStringSubmatch(line); m != nil {
			if strings.Contains(strings.ToLower(m[2]), title) {
				return true
			}
		}
	}
	return false
}
