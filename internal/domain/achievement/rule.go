// Package achievement описывает правила достижений: предикаты над снимком
// прогресса пользователя. Правила статичны и загружаются из YAML.
package achievement

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/internal/domain/progress"
)

// ══════════════════════════════════════════════════════════════════════════════
// PREDICATES
// ══════════════════════════════════════════════════════════════════════════════

// Op - оператор сравнения.
type Op string

const (
	OpGTE Op = "gte"
	OpGT  Op = "gt"
	OpEQ  Op = "eq"
)

// Поля прогресса, доступные в предикатах.
const (
	FieldCurrentStreak          = "current_streak"
	FieldBestStreak             = "best_streak"
	FieldValidatedContributions = "validated_contributions"
	FieldLevel                  = "level"
	FieldExperience             = "experience"
	FieldLifetimeScore          = "lifetime_score"
	FieldCompletedChallenges    = "completed_challenges"
	// FieldSkillPrefix + тип задачи, например "skill:alignment".
	FieldSkillPrefix = "skill:"
)

// Predicate - условие вида "поле оператор значение".
type Predicate struct {
	Field string  `yaml:"field" json:"field"`
	Op    Op      `yaml:"op" json:"op"`
	Value float64 `yaml:"value" json:"value"`
}

// Validate проверяет поле и оператор.
func (p Predicate) Validate() error {
	switch p.Op {
	case OpGTE, OpGT, OpEQ:
	default:
		return fmt.Errorf("unknown op %q", p.Op)
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return errors.New("value must be finite")
	}
	if strings.HasPrefix(p.Field, FieldSkillPrefix) {
		if _, err := problem.ParseType(strings.TrimPrefix(p.Field, FieldSkillPrefix)); err != nil {
			return fmt.Errorf("field %q: %w", p.Field, err)
		}
		return nil
	}
	switch p.Field {
	case FieldCurrentStreak, FieldBestStreak, FieldValidatedContributions, FieldLevel,
		FieldExperience, FieldLifetimeScore, FieldCompletedChallenges:
		return nil
	}
	return fmt.Errorf("unknown field %q", p.Field)
}

// Holds вычисляет предикат на снимке. Неизвестное поле всегда ложно.
func (p Predicate) Holds(u *progress.UserProgress) bool {
	v, ok := fieldValue(u, p.Field)
	if !ok {
		return false
	}
	switch p.Op {
	case OpGTE:
		return v >= p.Value
	case OpGT:
		return v > p.Value
	case OpEQ:
		return v == p.Value
	}
	return false
}

func fieldValue(u *progress.UserProgress, field string) (float64, bool) {
	switch field {
	case FieldCurrentStreak:
		return float64(u.CurrentStreak), true
	case FieldBestStreak:
		return float64(u.BestStreak), true
	case FieldValidatedContributions:
		return float64(u.ValidatedContributions), true
	case FieldLevel:
		return float64(u.Level), true
	case FieldExperience:
		return float64(u.Experience), true
	case FieldLifetimeScore:
		return float64(u.LifetimeScore), true
	case FieldCompletedChallenges:
		return float64(len(u.CompletedChallenges)), true
	}
	if strings.HasPrefix(field, FieldSkillPrefix) {
		t, err := problem.ParseType(strings.TrimPrefix(field, FieldSkillPrefix))
		if err != nil {
			return 0, false
		}
		return u.Proficiency(t), true
	}
	return 0, false
}

// ══════════════════════════════════════════════════════════════════════════════
// RULES
// ══════════════════════════════════════════════════════════════════════════════

// Rule - одно достижение и условие его разблокировки.
type Rule struct {
	ID          string    `yaml:"id" json:"id"`
	Name        string    `yaml:"name" json:"name"`
	Description string    `yaml:"description" json:"description"`
	When        Predicate `yaml:"when" json:"when"`
}

// RuleSet - неизменяемый набор правил.
type RuleSet struct {
	rules []Rule
	byID  map[string]Rule
}

// NewRuleSet проверяет правила и строит набор. Порядок - по ID.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	rs := &RuleSet{byID: make(map[string]Rule, len(rules))}
	var errs []error
	for _, r := range rules {
		id := strings.TrimSpace(r.ID)
		if id == "" {
			errs = append(errs, errors.New("rule without id"))
			continue
		}
		if _, dup := rs.byID[id]; dup {
			errs = append(errs, fmt.Errorf("rule %q declared twice", id))
			continue
		}
		if err := r.When.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", id, err))
			continue
		}
		r.ID = id
		rs.byID[id] = r
		rs.rules = append(rs.rules, r)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	sort.Slice(rs.rules, func(i, j int) bool { return rs.rules[i].ID < rs.rules[j].ID })
	return rs, nil
}

// Rules возвращает копию списка правил.
func (rs *RuleSet) Rules() []Rule {
	return append([]Rule(nil), rs.rules...)
}

// Get возвращает правило по ID.
func (rs *RuleSet) Get(id string) (Rule, bool) {
	r, ok := rs.byID[id]
	return r, ok
}

// Len возвращает число правил.
func (rs *RuleSet) Len() int { return len(rs.rules) }

// Pending возвращает правила, которых ещё нет в множестве пользователя и
// условие которых выполнено на снимке. Результат зависит только от снимка.
func (rs *RuleSet) Pending(snapshot *progress.UserProgress) []Rule {
	var out []Rule
	for _, r := range rs.rules {
		if snapshot.HasAchievement(r.ID) {
			continue
		}
		if r.When.Holds(snapshot) {
			out = append(out, r)
		}
	}
	return out
}
