package access

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/teamvault-io/teamvault/internal/store"
)

// seedFile is the on-disk shape of a policy seed file:
//
//	rules:
//	  - team_pattern: "engineering*"
//	    credential_pattern: "GITHUB_*"
//	    actions: [read, rotate]
type seedFile struct {
	Rules []store.PolicyRule `yaml:"rules"`
}

// LoadSeedFile reads an ordered rule list from a YAML file. The rules
// are installed by Engine.Bootstrap only when the policy table is
// empty.
func LoadSeedFile(path string) ([]store.PolicyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy seed: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy seed: %w", err)
	}

	for i, r := range f.Rules {
		if r.TeamPattern == "" || r.CredentialPattern == "" || len(r.Actions) == 0 {
			return nil, fmt.Errorf("policy seed rule %d: team_pattern, credential_pattern and actions are required", i)
		}
	}
	return f.Rules, nil
}
