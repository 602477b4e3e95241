package policy

import (
	"fmt"
	"os"
	"regexp"

	"github.com/tkingovr/deploygate/api"
	"gopkg.in/yaml.v3"
)

// LoadFile reads and validates a YAML policy file.
func LoadFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses and validates YAML policy data.
func LoadBytes(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}
	if err := validate(&pf); err != nil {
		return nil, err
	}
	return &pf, nil
}

func validate(pf *PolicyFile) error {
	if pf.Version != 1 {
		return fmt.Errorf("unsupported policy version: %d (expected 1)", pf.Version)
	}

	if pf.Settings.DefaultAction == "" {
		pf.Settings.DefaultAction = api.VerdictAsk
	}
	if !validVerdict(string(pf.Settings.DefaultAction)) {
		return fmt.Errorf("invalid default_action %q", pf.Settings.DefaultAction)
	}

	if st := pf.Settings.Store; st != nil {
		switch st.Driver {
		case "", "memory":
		case "postgres":
			if st.DSN == "" {
				return fmt.Errorf("store: postgres driver requires dsn")
			}
		default:
			return fmt.Errorf("store: unknown driver %q", st.Driver)
		}
	}

	for i, rule := range pf.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if !validVerdict(rule.Action) {
			return fmt.Errorf("rule %q: invalid action %q", rule.Name, rule.Action)
		}
		switch rule.Match.Kind {
		case "", KindDeploy, KindCall:
		default:
			return fmt.Errorf("rule %q: match.kind must be %q or %q", rule.Name, KindDeploy, KindCall)
		}
		for key, fm := range rule.Match.Fields {
			if fm.Regex != "" {
				if _, err := regexp.Compile(fm.Regex); err != nil {
					return fmt.Errorf("rule %q: field %q regex invalid: %w", rule.Name, key, err)
				}
			}
		}
	}

	return nil
}

func validVerdict(v string) bool {
	switch api.Verdict(v) {
	case api.VerdictAsk, api.VerdictDeny, api.VerdictLog:
		return true
	}
	return false
}
