// Package catalog loads problem definitions from YAML into the problem store.
package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alem-hub/research-pipeline/internal/domain/problem"
	"github.com/alem-hub/research-pipeline/pkg/logger"
)

//go:embed problems.yaml
var defaultProblemsYAML []byte

type seedFile struct {
	Problems []seedProblem `yaml:"problems"`
}

type seedProblem struct {
	ID               string              `yaml:"id"`
	Title            string              `yaml:"title"`
	Type             string              `yaml:"type"`
	Difficulty       int                 `yaml:"difficulty"`
	QualityThreshold float64             `yaml:"quality_threshold"`
	ExpectedDuration string              `yaml:"expected_duration"`
	Active           *bool               `yaml:"active"`
	Criteria         problem.Criteria    `yaml:"criteria"`
	GroundTruth      problem.GroundTruth `yaml:"ground_truth"`
}

func (s seedProblem) toDomain() (*problem.Problem, error) {
	typ, err := problem.ParseType(s.Type)
	if err != nil {
		return nil, err
	}
	var expected time.Duration
	if s.ExpectedDuration != "" {
		if expected, err = time.ParseDuration(s.ExpectedDuration); err != nil {
			return nil, fmt.Errorf("expected_duration: %w", err)
		}
	}
	active := true
	if s.Active != nil {
		active = *s.Active
	}

	p := &problem.Problem{
		ID:               s.ID,
		Title:            s.Title,
		Type:             typ,
		Difficulty:       s.Difficulty,
		Criteria:         s.Criteria,
		QualityThreshold: s.QualityThreshold,
		ExpectedDuration: expected,
		GroundTruth:      s.GroundTruth,
		Active:           active,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Parse reads problem definitions. Every problem is validated; all errors
// are reported together.
func Parse(r io.Reader) ([]*problem.Problem, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f seedFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode problems: %w", err)
	}

	out := make([]*problem.Problem, 0, len(f.Problems))
	seen := make(map[string]bool, len(f.Problems))
	var errs []error
	for i, sp := range f.Problems {
		p, err := sp.toDomain()
		if err != nil {
			errs = append(errs, fmt.Errorf("problem %d (%s): %w", i, sp.ID, err))
			continue
		}
		if seen[p.ID] {
			errs = append(errs, fmt.Errorf("problem %s declared twice", p.ID))
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// LoadFile reads problems from path. An empty path loads the built-in sample set.
func LoadFile(path string) ([]*problem.Problem, error) {
	if path == "" {
		return Defaults()
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open problems file: %w", err)
	}
	defer fh.Close()
	return Parse(fh)
}

// Defaults returns the built-in sample problems.
func Defaults() ([]*problem.Problem, error) {
	var f seedFile
	if err := yaml.Unmarshal(defaultProblemsYAML, &f); err != nil {
		return nil, fmt.Errorf("failed to decode embedded problems: %w", err)
	}
	out := make([]*problem.Problem, 0, len(f.Problems))
	for _, sp := range f.Problems {
		p, err := sp.toDomain()
		if err != nil {
			return nil, fmt.Errorf("embedded problem %s: %w", sp.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Seed saves every problem into repo. Existing definitions are replaced.
func Seed(ctx context.Context, repo problem.Repository, problems []*problem.Problem, log *logger.Logger) (int, error) {
	if log == nil {
		log = logger.Default()
	}
	for i, p := range problems {
		if err := repo.Save(ctx, p); err != nil {
			return i, fmt.Errorf("failed to seed problem %s: %w", p.ID, err)
		}
		log.Debug("problem seeded", logger.ProblemID(p.ID), logger.String("type", p.Type.String()))
	}
	log.Info("problems seeded", logger.Int("count", len(problems)))
	return len(problems), nil
}
