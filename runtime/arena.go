package runtime

import (
	"fmt"
	"sort"

	"github.com/sbl8/superablate/core"
)

// ArenaRegion is a named matrix stored inside the Arena.
type ArenaRegion struct {
	Offset int    `json:"offset"`
	Size   int    `json:"size"`
	Rows   int    `json:"rows"`
	Cols   int    `json:"cols"`
	Name   string `json:"name"`
}

// Arena holds host copies of weight matrices in one contiguous float32
// buffer. Regions are bump-allocated in order and never freed; the arena is
// written while the controller is constructed and read-only afterwards.
type Arena struct {
	buffer  []float32
	regions map[string]ArenaRegion
	next    int // bump allocator offset
}

// NewArena allocates an arena holding capacity float32 values.
func NewArena(capacity int) (*Arena, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("negative arena capacity %d", capacity)
	}
	return &Arena{
		buffer:  make([]float32, capacity),
		regions: make(map[string]ArenaRegion),
	}, nil
}

// RegionName returns the arena key for one sub-matrix of a layer.
func RegionName(layer int, part Part) string {
	return fmt.Sprintf("%s.%s", LayerKey(layer), part)
}

// Store copies m into a new region called name.
func (a *Arena) Store(name string, m *core.Matrix) (ArenaRegion, error) {
	if err := m.Validate(); err != nil {
		return ArenaRegion{}, err
	}
	if _, exists := a.regions[name]; exists {
		return ArenaRegion{}, fmt.Errorf("region %s already stored", name)
	}
	size := len(m.Data)
	if a.next+size > len(a.buffer) {
		return ArenaRegion{}, fmt.Errorf("arena exhausted: requested %d, available %d", size, len(a.buffer)-a.next)
	}

	region := ArenaRegion{Offset: a.next, Size: size, Rows: m.Rows, Cols: m.Cols, Name: name}
	copy(a.buffer[region.Offset:region.Offset+size], m.Data)
	a.regions[name] = region
	a.next += size
	return region, nil
}

// Region returns the named region.
func (a *Arena) Region(name string) (ArenaRegion, bool) {
	region, ok := a.regions[name]
	return region, ok
}

// View returns the stored values of a region without copying.
func (a *Arena) View(name string) ([]float32, error) {
	region, ok := a.regions[name]
	if !ok {
		return nil, fmt.Errorf("region %s not found", name)
	}
	return a.buffer[region.Offset : region.Offset+region.Size], nil
}

// Load returns a copy of the named region as a matrix.
func (a *Arena) Load(name string) (*core.Matrix, error) {
	region, ok := a.regions[name]
	if !ok {
		return nil, fmt.Errorf("region %s not found", name)
	}
	m := core.NewMatrix(region.Rows, region.Cols)
	copy(m.Data, a.buffer[region.Offset:region.Offset+region.Size])
	return m, nil
}

// Names returns the region names in storage order.
func (a *Arena) Names() []string {
	names := make([]string, 0, len(a.regions))
	for name := range a.regions {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return a.regions[names[i]].Offset < a.regions[names[j]].Offset
	})
	return names
}

// TotalSize returns the arena capacity in values.
func (a *Arena) TotalSize() int {
	return len(a.buffer)
}

// UsedSize returns the number of values allocated to regions.
func (a *Arena) UsedSize() int {
	return a.next
}
