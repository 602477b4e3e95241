package policy

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/tkingovr/deploygate/api"
)

// YAMLEngine implements first-match-wins evaluation of YAML rules over a
// transaction payload.
type YAMLEngine struct {
	mu   sync.RWMutex
	file *PolicyFile
	path string

	// compiled regex cache, keyed by rule name and field
	regexCache map[string]*regexp.Regexp
}

// NewYAMLEngine creates a new YAML policy engine from a file path.
func NewYAMLEngine(path string) (*YAMLEngine, error) {
	e := &YAMLEngine{path: path}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// NewYAMLEngineFromPolicy creates a new YAML policy engine from an already-loaded policy.
func NewYAMLEngineFromPolicy(pf *PolicyFile) (*YAMLEngine, error) {
	cache, err := compileRegexes(pf)
	if err != nil {
		return nil, err
	}
	return &YAMLEngine{file: pf, regexCache: cache}, nil
}

// Evaluate checks the payload against rules in order, returning the first match.
func (e *YAMLEngine) Evaluate(_ context.Context, input *EvalInput) (*EvalResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	fields := input.fields()
	for i := range e.file.Rules {
		rule := &e.file.Rules[i]
		if e.matches(rule, fields) {
			return &EvalResult{
				Verdict: api.Verdict(rule.Action),
				Rule:    rule.Name,
				Message: rule.Message,
			}, nil
		}
	}

	def := e.file.Settings.DefaultAction
	if def == "" {
		def = api.VerdictAsk
	}
	return &EvalResult{
		Verdict: def,
		Rule:    "_default",
		Message: "no matching rule; default action applied",
	}, nil
}

// Reload re-reads the policy file from disk. A file that fails to load
// leaves the current rules in place.
func (e *YAMLEngine) Reload(_ context.Context) error {
	if e.path == "" {
		return nil
	}
	pf, err := LoadFile(e.path)
	if err != nil {
		return err
	}
	cache, err := compileRegexes(pf)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.file = pf
	e.regexCache = cache
	return nil
}

// Policy returns the current loaded policy (for dashboard display).
func (e *YAMLEngine) Policy() *PolicyFile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.file
}

func compileRegexes(pf *PolicyFile) (map[string]*regexp.Regexp, error) {
	cache := make(map[string]*regexp.Regexp)
	for _, rule := range pf.Rules {
		for key, fm := range rule.Match.Fields {
			if fm.Regex == "" {
				continue
			}
			re, err := regexp.Compile(fm.Regex)
			if err != nil {
				return nil, fmt.Errorf("rule %q field %q: %w", rule.Name, key, err)
			}
			cache[rule.Name+":"+key] = re
		}
	}
	return cache, nil
}

func (e *YAMLEngine) matches(rule *Rule, fields map[string]any) bool {
	if rule.Match.Network != "" && rule.Match.Network != payloadNetwork(fields) {
		return false
	}
	if rule.Match.Kind != "" && rule.Match.Kind != payloadKind(fields) {
		return false
	}

	for key, fm := range rule.Match.Fields {
		if key == "_any_value" {
			if !e.matchAnyValue(rule.Name, key, fm, fields) {
				return false
			}
			continue
		}
		val, ok := fields[key]
		if !ok {
			return false
		}
		if !e.matchField(rule.Name, key, fm, val) {
			return false
		}
	}

	return true
}

func (e *YAMLEngine) matchAnyValue(ruleName, matchKey string, fm FieldMatch, fields map[string]any) bool {
	for _, v := range fields {
		if e.matchField(ruleName, matchKey, fm, v) {
			return true
		}
	}
	return false
}

func (e *YAMLEngine) matchField(ruleName, key string, fm FieldMatch, val any) bool {
	str := fieldString(val)

	if fm.Exact != "" {
		return str == fm.Exact
	}

	if fm.Regex != "" {
		re, ok := e.regexCache[ruleName+":"+key]
		if !ok {
			return false
		}
		return re.MatchString(str)
	}

	return true
}
