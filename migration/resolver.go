package migration

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Resolve orders definitions so that every migration comes after all of its dependencies.
//
// Among migrations whose dependencies are all placed, the smallest ID goes first, so
// chronologically prefixed IDs ("0001_...", "0002_...") are applied in authoring order and
// the result is the same on every run.
//
// Resolve fails without returning a partial order when an ID is duplicated, a dependency is
// unknown, or the graph has a cycle. The cycle error names every migration on a cycle.
func Resolve(definitions []Definition) ([]Definition, error) {
	byID := make(map[string]Definition, len(definitions))
	for _, def := range definitions {
		if _, exists := byID[def.id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateMigrationID, def.id)
		}
		byID[def.id] = def
	}

	inDegree := make(map[string]int, len(definitions))
	dependents := make(map[string][]string, len(definitions))

	for _, def := range definitions {
		inDegree[def.id] = 0
	}

	for _, def := range definitions {
		for _, dep := range def.dependsOn {
			if dep == def.id {
				return nil, fmt.Errorf("%w: %s", ErrSelfDependency, def.id)
			}
			if _, exists := byID[dep]; !exists {
				return nil, fmt.Errorf("%w: %s depends on unknown %s", ErrMissingDependency, def.id, dep)
			}
			inDegree[def.id]++
			dependents[dep] = append(dependents[dep], def.id)
		}
	}

	ready := make([]string, 0, len(definitions))
	for id, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	ordered := make([]Definition, 0, len(definitions))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		ordered = append(ordered, byID[id])

		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				pos, _ := slices.BinarySearch(ready, dependent)
				ready = slices.Insert(ready, pos, dependent)
			}
		}
	}

	if len(ordered) != len(definitions) {
		cycle := cycleMembers(byID, inDegree)
		return nil, fmt.Errorf("%w: %s", ErrDependencyCycle, strings.Join(cycle, ", "))
	}

	return ordered, nil
}

// cycleMembers returns the sorted IDs that lie on a cycle among the migrations Kahn's pass could not place.
// Migrations that merely depend on a cycle are left out. It uses Tarjan's strongly connected components.
func cycleMembers(byID map[string]Definition, inDegree map[string]int) []string {
	remaining := make([]string, 0)
	for id, degree := range inDegree {
		if degree > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)

	inRemaining := make(map[string]bool, len(remaining))
	for _, id := range remaining {
		inRemaining[id] = true
	}

	var (
		index   int
		stack   []string
		onStack = make(map[string]bool)
		indices = make(map[string]int)
		lowLink = make(map[string]int)
		members []string
	)

	var strongConnect func(id string)
	strongConnect = func(id string) {
		indices[id] = index
		lowLink[id] = index
		index++
		stack = append(stack, id)
		onStack[id] = true

		for _, dep := range byID[id].dependsOn {
			if !inRemaining[dep] {
				continue
			}
			if _, visited := indices[dep]; !visited {
				strongConnect(dep)
				lowLink[id] = min(lowLink[id], lowLink[dep])
			} else if onStack[dep] {
				lowLink[id] = min(lowLink[id], indices[dep])
			}
		}

		if lowLink[id] != indices[id] {
			return
		}

		var component []string
		for {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[top] = false
			component = append(component, top)
			if top == id {
				break
			}
		}

		if len(component) > 1 {
			members = append(members, component...)
		}
	}

	for _, id := range remaining {
		if _, visited := indices[id]; !visited {
			strongConnect(id)
		}
	}

	sort.Strings(members)

	return members
}
