package config

import (
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
)

var portPlaceholderRe = regexp.MustCompile(`\$\{port\.(\d+)\}`)

// PortRange is the active reserved range a preset's placeholders
// resolve against: [Start, End] inclusive, per spec section 3's
// `ports.range` field.
type PortRange struct {
	Start int
	End   int
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	if r.End < r.Start {
		return 0
	}
	return r.End - r.Start + 1
}

// ParsePortRange parses a "start-end" string into a PortRange.
func ParsePortRange(s string) (PortRange, bool) {
	matches := portRangeRe.FindStringSubmatch(s)
	if matches == nil {
		return PortRange{}, false
	}
	start, err1 := strconv.Atoi(matches[1])
	end, err2 := strconv.Atoi(matches[2])
	if err1 != nil || err2 != nil || start > end {
		return PortRange{}, false
	}
	return PortRange{Start: start, End: end}, true
}

var portRangeRe = regexp.MustCompile(`^(\d+)-(\d+)$`)

// ReplacePlaceholdersInString performs the raw-string substitution
// spec section 4.2 requires: every `${port.N}` is replaced with
// `range.Start + N` before any YAML parsing happens, so a preset never
// pays for a serialize-modify-deserialize round trip. An out-of-range
// index is left unreplaced and logged as a warning; the substitution
// never fails. Grounded on config_ops.rs's
// replace_placeholders_in_string.
func ReplacePlaceholdersInString(content string, rangeStr string, log *logrus.Entry) string {
	r, ok := ParsePortRange(rangeStr)
	if !ok {
		if log != nil {
			log.Warnf("could not parse port_range %q", rangeStr)
		}
		return content
	}

	type replacement struct {
		placeholder string
		value       string
	}
	var replacements []replacement

	for _, m := range portPlaceholderRe.FindAllStringSubmatch(content, -1) {
		full, idxStr := m[0], m[1]
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		if idx < r.Size() {
			replacements = append(replacements, replacement{full, strconv.Itoa(r.Start + idx)})
		} else if log != nil {
			log.Warnf("port index %d is out of bounds for the allocated range", idx)
		}
	}

	result := content
	for _, rep := range replacements {
		result = replaceAll(result, rep.placeholder, rep.value)
	}
	return result
}

func replaceAll(s, old, new string) string {
	if old == "" {
		return s
	}
	var out []byte
	for {
		i := indexOf(s, old)
		if i < 0 {
			out = append(out, s...)
			break
		}
		out = append(out, s[:i]...)
		out = append(out, new...)
		s = s[i+len(old):]
	}
	return string(out)
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}

// ReplacePlaceholdersRecursive walks a parsed Value tree and replaces
// `${port.N}` string leaves with the numeric port value. The preset
// loading path in this package does not call it: LoadPresetDocument
// substitutes on the raw text with ReplacePlaceholdersInString.
// Mirrors config_ops.rs's replace_placeholders_recursive.
func ReplacePlaceholdersRecursive(v *Value, r PortRange, log *logrus.Entry) {
	switch v.Kind {
	case KindMapping:
		for _, k := range v.Mapping.Keys() {
			child, _ := v.Mapping.Get(k)
			ReplacePlaceholdersRecursive(child, r, log)
		}
	case KindSequence:
		for _, e := range v.Sequence {
			ReplacePlaceholdersRecursive(e, r, log)
		}
	case KindString:
		if port, ok := extractPortFromPlaceholder(v.Str, r, log); ok {
			v.Kind = KindInt
			v.Int = int64(port)
			v.Str = ""
		}
	}
}

func extractPortFromPlaceholder(s string, r PortRange, log *logrus.Entry) (int, bool) {
	m := portPlaceholderRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	if idx >= r.Size() {
		if log != nil {
			log.Warnf("port index %d is out of bounds for the allocated range", idx)
		}
		return 0, false
	}
	return r.Start + idx, true
}
