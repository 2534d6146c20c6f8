package middleware

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/edgemesh/edged/internal/config"
)

// compiledRewrite is one spec §4.C rewrite rule with its pattern compiled
// and conditions pre-parsed, evaluated in listed order per rule.
type compiledRewrite struct {
	pattern      *regexp.Regexp
	replacement  string
	flags        map[config.RewriteFlag]bool
	redirectCode int
	conditions   []compiledCondition
}

type compiledCondition struct {
	variable string
	pattern  *regexp.Regexp
	negate   bool
}

func compileRewrites(rules []config.RewriteRule) ([]compiledRewrite, error) {
	compiled := make([]compiledRewrite, 0, len(rules))
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, err
		}
		flags := make(map[config.RewriteFlag]bool, len(rule.Flags))
		for _, f := range rule.Flags {
			flags[f] = true
		}
		conds := make([]compiledCondition, 0, len(rule.Conditions))
		for _, c := range rule.Conditions {
			cre, err := regexp.Compile(c.Pattern)
			if err != nil {
				return nil, err
			}
			conds = append(conds, compiledCondition{variable: c.Variable, pattern: cre, negate: c.Negate})
		}
		compiled = append(compiled, compiledRewrite{
			pattern:      re,
			replacement:  rule.Replacement,
			flags:        flags,
			redirectCode: rule.RedirectCode,
			conditions:   conds,
		})
	}
	return compiled, nil
}

type rewriteAction int

const (
	rewriteNone rewriteAction = iota
	rewriteRewritten
	rewriteProxyPath
	rewriteRedirect
	rewriteForbidden
	rewriteGone
)

type rewriteOutcome struct {
	action   rewriteAction
	path     string
	location string
	code     int
}

// applyRewrites evaluates rules in listed order (spec §4.C). If no rule
// matches, the path is returned unchanged.
func applyRewrites(rules []compiledRewrite, r *http.Request) rewriteOutcome {
	path := r.URL.Path
	for _, rule := range rules {
		if !conditionsMatch(rule.conditions, r) {
			continue
		}
		loc := rule.pattern.FindStringSubmatchIndex(path)
		if loc == nil {
			continue
		}
		rewritten := string(rule.pattern.ExpandString(nil, rule.replacement, path, loc))

		switch {
		case rule.flags[config.FlagForbidden]:
			return rewriteOutcome{action: rewriteForbidden}
		case rule.flags[config.FlagGone]:
			return rewriteOutcome{action: rewriteGone}
		case rule.flags[config.FlagRedirect]:
			code := rule.redirectCode
			if code == 0 {
				code = http.StatusMovedPermanently
			}
			loc := rewritten
			if r.URL.RawQuery != "" {
				loc += "?" + r.URL.RawQuery
			}
			return rewriteOutcome{action: rewriteRedirect, location: loc, code: code}
		case rule.flags[config.FlagProxy]:
			path = rewritten
			if rule.flags[config.FlagLast] {
				return rewriteOutcome{action: rewriteProxyPath, path: path}
			}
		default:
			path = rewritten
		}

		if rule.flags[config.FlagLast] {
			return rewriteOutcome{action: rewriteRewritten, path: path}
		}
	}
	if path == r.URL.Path {
		return rewriteOutcome{action: rewriteNone, path: path}
	}
	return rewriteOutcome{action: rewriteRewritten, path: path}
}

func conditionsMatch(conds []compiledCondition, r *http.Request) bool {
	for _, c := range conds {
		val := conditionValue(c.variable, r)
		matched := c.pattern.MatchString(val)
		if c.negate {
			matched = !matched
		}
		if !matched {
			return false
		}
	}
	return true
}

func conditionValue(variable string, r *http.Request) string {
	switch {
	case variable == "host":
		return r.Host
	case strings.HasPrefix(variable, "header:"):
		return r.Header.Get(strings.TrimPrefix(variable, "header:"))
	case strings.HasPrefix(variable, "query:"):
		return r.URL.Query().Get(strings.TrimPrefix(variable, "query:"))
	default:
		return ""
	}
}
