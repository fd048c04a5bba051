package provider

import (
	"strings"

	"github.com/vmtool/vm/pkg/vmerrors"
)

// ResolveInstanceName implements spec section 4.1's instance
// resolution rules, shared by every multi-instance-capable provider.
// existingNames is the full listing the engine currently reports.
func ResolveInstanceName(existingNames []string, project string, instance string) (string, error) {
	if instance == "" {
		return project + "-dev", nil
	}

	for _, n := range existingNames {
		if n == instance {
			return n, nil
		}
	}

	candidate := project + "-" + instance
	for _, n := range existingNames {
		if n == candidate {
			return candidate, nil
		}
	}

	var prefixMatches []string
	for _, n := range existingNames {
		if strings.HasPrefix(n, project+"-") && strings.Contains(n, instance) {
			prefixMatches = append(prefixMatches, n)
		}
	}
	if len(prefixMatches) > 1 {
		return "", vmerrors.Newf(vmerrors.Conflict, "instance %q is ambiguous among %s", instance, strings.Join(prefixMatches, ", ")).
			WithHint("specify the full instance name").
			WithIdentifier(instance)
	}
	if len(prefixMatches) == 1 {
		return prefixMatches[0], nil
	}

	// No existing match of any kind: treat as the canonical name for a
	// not-yet-created instance.
	return candidate, nil
}

// SingleInstanceName is the canonical name used by providers that do
// not support multiple named instances per project (spec section
// 4.1: "<project>-dev").
func SingleInstanceName(project string) string {
	return project + "-dev"
}
