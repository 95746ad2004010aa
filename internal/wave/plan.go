package wave

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/user/tend/internal/workspace"
)

// ErrCycle is returned when the manifest's dependencies form a cycle.
var ErrCycle = errors.New("dependency cycle")

// ManifestFile is the normalised manifest written next to the wave files.
const ManifestFile = "manifest.yaml"

// Plan is a manifest partitioned into waves. Every task's wave index is
// greater than the index of each of its dependencies.
type Plan struct {
	Manifest *Manifest
	Waves    [][]string
	Index    map[string]int
}

// BuildPlan sorts the tasks with Kahn's algorithm. A task's wave is one past
// the highest wave among its dependencies; tasks without dependencies are in
// wave 0. Within a wave tasks keep manifest order.
func BuildPlan(m *Manifest) (*Plan, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	order := make(map[string]int, len(m.Tasks))
	indegree := make(map[string]int, len(m.Tasks))
	dependents := make(map[string][]string)
	for i, t := range m.Tasks {
		order[t.ID] = i
		indegree[t.ID] = len(t.DependsOn)
		for _, d := range t.DependsOn {
			dependents[d] = append(dependents[d], t.ID)
		}
	}

	var queue []string
	for _, t := range m.Tasks {
		if indegree[t.ID] == 0 {
			queue = append(queue, t.ID)
		}
	}
	index := make(map[string]int, len(m.Tasks))
	sorted := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted++
		for _, next := range dependents[id] {
			if w := index[id] + 1; w > index[next] {
				index[next] = w
			}
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if sorted != len(m.Tasks) {
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(findCycle(m, indegree), " -> "))
	}

	p := &Plan{Manifest: m, Index: index}
	for _, t := range m.Tasks {
		w := index[t.ID]
		for len(p.Waves) <= w {
			p.Waves = append(p.Waves, nil)
		}
		p.Waves[w] = append(p.Waves[w], t.ID)
	}
	for _, ids := range p.Waves {
		sort.SliceStable(ids, func(i, j int) bool { return order[ids[i]] < order[ids[j]] })
	}
	return p, nil
}

// findCycle walks dependency edges among the tasks Kahn's algorithm could
// not sort and returns one cycle, first node repeated at the end.
func findCycle(m *Manifest, indegree map[string]int) []string {
	deps := make(map[string][]string, len(m.Tasks))
	var start string
	for _, t := range m.Tasks {
		if indegree[t.ID] > 0 {
			deps[t.ID] = t.DependsOn
			if start == "" {
				start = t.ID
			}
		}
	}
	// Every unsorted node has an unsorted dependency, so following them
	// must revisit a node.
	pos := map[string]int{}
	var path []string
	for cur := start; ; {
		if i, ok := pos[cur]; ok {
			cycle := append([]string{}, path[i:]...)
			// path follows dependency edges; report in execution order.
			for l, r := 0, len(cycle)-1; l < r; l, r = l+1, r-1 {
				cycle[l], cycle[r] = cycle[r], cycle[l]
			}
			return append(cycle, cycle[0])
		}
		pos[cur] = len(path)
		path = append(path, cur)
		next := ""
		for _, d := range deps[cur] {
			if indegree[d] > 0 {
				next = d
				break
			}
		}
		if next == "" {
			return path
		}
		cur = next
	}
}

// Tasks returns the tasks of wave n in order.
func (p *Plan) Tasks(n int) []Task {
	if n < 0 || n >= len(p.Waves) {
		return nil
	}
	out := make([]Task, 0, len(p.Waves[n]))
	for _, id := range p.Waves[n] {
		if t, ok := p.Manifest.Task(id); ok {
			out = append(out, t)
		}
	}
	return out
}

func waveFile(n int) string { return fmt.Sprintf("wave-%d.txt", n) }

func parseWaveFile(name string) (int, bool) {
	if !strings.HasPrefix(name, "wave-") || !strings.HasSuffix(name, ".txt") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "wave-"), ".txt"))
	return n, err == nil && n >= 0
}

// RemovePlanFiles deletes wave files and the normalised manifest from dir.
func RemovePlanFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if _, ok := parseWaveFile(e.Name()); !ok && e.Name() != ManifestFile {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, err
		}
		removed = append(removed, e.Name())
	}
	return removed, nil
}

// WritePlan replaces any plan in dir with p: one wave-<n>.txt per wave,
// one task id per line, plus the normalised manifest.
func WritePlan(dir string, p *Plan) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if _, err := RemovePlanFiles(dir); err != nil {
		return fmt.Errorf("remove stale plan: %w", err)
	}
	data, err := p.Manifest.Marshal()
	if err != nil {
		return err
	}
	if err := workspace.WriteFileAtomic(filepath.Join(dir, ManifestFile), data, 0o644); err != nil {
		return err
	}
	for n, ids := range p.Waves {
		body := strings.Join(ids, "\n") + "\n"
		if err := workspace.WriteFileAtomic(filepath.Join(dir, waveFile(n)), []byte(body), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// LoadPlan reads a plan written by WritePlan. The wave files are
// authoritative for ordering; the manifest supplies task details.
func LoadPlan(dir string) (*Plan, error) {
	m, err := LoadManifest(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no plan in %s (run: tend wave plan <manifest>)", dir)
		}
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var nums []int
	for _, e := range entries {
		if n, ok := parseWaveFile(e.Name()); ok {
			nums = append(nums, n)
		}
	}
	sort.Ints(nums)
	p := &Plan{Manifest: m, Index: map[string]int{}}
	for i, n := range nums {
		if n != i {
			return nil, fmt.Errorf("plan in %s is missing %s", dir, waveFile(i))
		}
		data, err := os.ReadFile(filepath.Join(dir, waveFile(n)))
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, line := range strings.Split(string(data), "\n") {
			id := strings.TrimSpace(line)
			if id == "" {
				continue
			}
			if _, ok := m.Task(id); !ok {
				return nil, fmt.Errorf("%s: task %q not in manifest", waveFile(n), id)
			}
			p.Index[id] = n
			ids = append(ids, id)
		}
		p.Waves = append(p.Waves, ids)
	}
	return p, nil
}

// Generate builds the plan for m and writes it to dir. On any error the
// directory is left without a plan, so a cyclic manifest never leaves wave
// files behind from an earlier run.
func Generate(dir string, m *Manifest) (*Plan, error) {
	p, err := BuildPlan(m)
	if err != nil {
		if _, rmErr := RemovePlanFiles(dir); rmErr != nil {
			return nil, errors.Join(err, rmErr)
		}
		return nil, err
	}
	if err := WritePlan(dir, p); err != nil {
		return nil, err
	}
	return p, nil
}
