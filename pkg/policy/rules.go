// Package policy resolves per-principal quota ceilings and permissions.
//
// Everything here is pure: rules are compiled once from configuration and
// evaluated against principal strings without any I/O.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/3leaps/pbs-extend/pkg/walltime"
)

// Rule pairs a principal pattern with a quota ceiling.
type Rule struct {
	Pattern *regexp.Regexp
	Raw     string
	Value   int64
}

// RuleSet is evaluated in declared order; the first matching rule wins.
type RuleSet []Rule

// ConfigError reports a malformed policy value. It is fatal: no admission
// check may run with a half-understood policy.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("policy %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ParseRules parses "pattern:value, pattern:value" rule text.
//
// Items that do not split into exactly two parts on ':' are skipped. Values
// are plain integers; anything containing another ':' splits into more
// than two parts and is skipped.
func ParseRules(field, text string) (RuleSet, error) {
	var rules RuleSet
	for _, item := range strings.Split(text, ",") {
		parts := strings.Split(item, ":")
		if len(parts) != 2 {
			continue
		}
		raw := strings.TrimSpace(parts[0])
		re, err := compilePrefix(raw)
		if err != nil {
			return nil, &ConfigError{Field: field, Message: fmt.Sprintf("invalid pattern %q", raw), Err: err}
		}
		value, err := walltime.ToSeconds(parts[1])
		if err != nil {
			return nil, &ConfigError{Field: field, Message: fmt.Sprintf("invalid value for pattern %q", raw), Err: err}
		}
		rules = append(rules, Rule{Pattern: re, Raw: raw, Value: value})
	}
	return rules, nil
}

// Resolve returns the value of the first rule matching principal, or def.
func (rs RuleSet) Resolve(principal string, def int64) int64 {
	for _, r := range rs {
		if r.Pattern.MatchString(principal) {
			return r.Value
		}
	}
	return def
}

// compilePrefix compiles a pattern that must match at the start of the
// principal but may leave a suffix unmatched.
func compilePrefix(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)`)
}
