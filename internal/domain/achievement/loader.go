package achievement

import (
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

type rulesFile struct {
	Achievements []Rule `yaml:"achievements"`
}

// ParseRules читает набор правил из YAML.
func ParseRules(r io.Reader) (*RuleSet, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f rulesFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode achievement rules: %w", err)
	}
	return NewRuleSet(f.Achievements)
}

// LoadRulesFile читает правила из файла. Пустой путь - встроенный набор.
func LoadRulesFile(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules()
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open achievement rules: %w", err)
	}
	defer fh.Close()
	return ParseRules(fh)
}

// DefaultRules возвращает встроенный набор правил.
func DefaultRules() (*RuleSet, error) {
	var f rulesFile
	if err := yaml.Unmarshal(defaultRulesYAML, &f); err != nil {
		return nil, fmt.Errorf("failed to decode embedded achievement rules: %w", err)
	}
	return NewRuleSet(f.Achievements)
}
