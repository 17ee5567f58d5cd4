package migration

import (
	"fmt"
	"slices"
	"strings"
)

// Step is one statement of a migration together with the statement that reverses it.
// An empty Rollback makes the step, and therefore the whole migration, irreversible.
type Step struct {
	Apply    string
	Rollback string
}

// Reversible reports whether the step has a reverse statement.
func (s Step) Reversible() bool {
	return strings.TrimSpace(s.Rollback) != ""
}

// Definition is an immutable migration: an identifier, ordered forward steps, and the IDs it depends on.
type Definition struct {
	id        string
	steps     []Step
	dependsOn []string
}

// NewDefinition builds a Definition. Duplicate dependencies are collapsed.
// Dependencies are only checked against the full collection by Resolve.
func NewDefinition(id string, steps []Step, dependsOn ...string) (Definition, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Definition{}, fmt.Errorf("%w: empty id", ErrInvalidDefinition)
	}

	if len(steps) == 0 {
		return Definition{}, fmt.Errorf("%w: %s has no steps", ErrInvalidDefinition, id)
	}

	for i, step := range steps {
		if strings.TrimSpace(step.Apply) == "" {
			return Definition{}, fmt.Errorf("%w: %s step %d has no apply statement", ErrInvalidDefinition, id, i+1)
		}
	}

	deps := make([]string, 0, len(dependsOn))
	for _, dep := range dependsOn {
		dep = strings.TrimSpace(dep)
		if dep == id {
			return Definition{}, fmt.Errorf("%w: %s", ErrSelfDependency, id)
		}
		if dep != "" && !slices.Contains(deps, dep) {
			deps = append(deps, dep)
		}
	}
	slices.Sort(deps)

	return Definition{
		id:        id,
		steps:     slices.Clone(steps),
		dependsOn: deps,
	}, nil
}

// MustDefinition is like NewDefinition but panics on error. Meant for statically known definitions.
func MustDefinition(id string, steps []Step, dependsOn ...string) Definition {
	def, err := NewDefinition(id, steps, dependsOn...)
	if err != nil {
		panic(err)
	}

	return def
}

// ID returns the migration identifier.
func (d Definition) ID() string {
	return d.id
}

// Steps returns a copy of the forward steps in order.
func (d Definition) Steps() []Step {
	return slices.Clone(d.steps)
}

// DependsOn returns a sorted copy of the dependency IDs.
func (d Definition) DependsOn() []string {
	return slices.Clone(d.dependsOn)
}

// Reversible reports whether every step can be reversed.
func (d Definition) Reversible() bool {
	for _, step := range d.steps {
		if !step.Reversible() {
			return false
		}
	}

	return true
}
