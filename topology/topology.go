// Package topology describes the 3D process grid (data-parallel ×
// tensor-parallel × pipeline-parallel) used to address checkpoint shards, and
// provides in-process groups supporting the two collectives the checkpoint
// engine needs: barrier and broadcast.
//
// Groups are explicit handles passed to every operation that needs them --
// there is no ambient process-group registry -- so tests can run a whole mesh
// of simulated ranks inside one process, one goroutine per rank.
package topology

import (
	"context"
	"fmt"

	"github.com/gomlx/exceptions"
	"golang.org/x/sync/errgroup"
)

// Coord identifies one process within the 3D grid. It is established once at
// process start and never changes for the lifetime of the process.
type Coord struct {
	DP, TP, PP int
}

// String formats the coordinate the way checkpoint files are named.
func (c Coord) String() string {
	return fmt.Sprintf("dp-%d-tp-%d-pp-%d", c.DP, c.TP, c.PP)
}

// Mesh describes the full grid: how many ranks along each axis.
type Mesh struct {
	DPSize, TPSize, PPSize int
}

// NewMesh creates a mesh with the given axis sizes. All sizes must be >= 1.
func NewMesh(dpSize, tpSize, ppSize int) Mesh {
	if dpSize < 1 || tpSize < 1 || ppSize < 1 {
		exceptions.Panicf("topology.NewMesh(%d, %d, %d): all axis sizes must be >= 1", dpSize, tpSize, ppSize)
	}
	return Mesh{DPSize: dpSize, TPSize: tpSize, PPSize: ppSize}
}

// NumRanks is the total number of processes in the mesh.
func (m Mesh) NumRanks() int { return m.DPSize * m.TPSize * m.PPSize }

// Coords enumerates every coordinate of the mesh, dp-major.
func (m Mesh) Coords() []Coord {
	coords := make([]Coord, 0, m.NumRanks())
	for dp := range m.DPSize {
		for tp := range m.TPSize {
			for pp := range m.PPSize {
				coords = append(coords, Coord{DP: dp, TP: tp, PP: pp})
			}
		}
	}
	return coords
}

// Procs bundles the group handles one process needs: the world group plus the
// three axis subgroups its coordinate belongs to. It is handed to each rank by
// Launch and consumed by the checkpoint engine for addressing and collectives.
type Procs struct {
	Coord Coord
	Mesh  Mesh

	// World spans every rank of the mesh.
	World *Group

	// DP, TP and PP span the ranks that share this rank's other two
	// coordinates. E.g. DP contains the ranks {(*, tp, pp)} for this rank's
	// fixed (tp, pp).
	DP, TP, PP *Group
}

// mesh group plumbing: one groupState per subgroup, shared by its members.

type meshGroups struct {
	world *groupState
	dp    map[[2]int]*groupState // keyed by (tp, pp)
	tp    map[[2]int]*groupState // keyed by (dp, pp)
	pp    map[[2]int]*groupState // keyed by (dp, tp)
}

func newMeshGroups(m Mesh) *meshGroups {
	mg := &meshGroups{
		world: newGroupState("world", m.NumRanks()),
		dp:    make(map[[2]int]*groupState),
		tp:    make(map[[2]int]*groupState),
		pp:    make(map[[2]int]*groupState),
	}
	for tp := range m.TPSize {
		for pp := range m.PPSize {
			mg.dp[[2]int{tp, pp}] = newGroupState(fmt.Sprintf("dp@tp-%d-pp-%d", tp, pp), m.DPSize)
		}
	}
	for dp := range m.DPSize {
		for pp := range m.PPSize {
			mg.tp[[2]int{dp, pp}] = newGroupState(fmt.Sprintf("tp@dp-%d-pp-%d", dp, pp), m.TPSize)
		}
	}
	for dp := range m.DPSize {
		for tp := range m.TPSize {
			mg.pp[[2]int{dp, tp}] = newGroupState(fmt.Sprintf("pp@dp-%d-tp-%d", dp, tp), m.PPSize)
		}
	}
	return mg
}

func (mg *meshGroups) procsFor(m Mesh, c Coord) *Procs {
	worldRank := (c.DP*m.TPSize+c.TP)*m.PPSize + c.PP
	return &Procs{
		Coord: c,
		Mesh:  m,
		World: &Group{rank: worldRank, state: mg.world},
		DP:    &Group{rank: c.DP, state: mg.dp[[2]int{c.TP, c.PP}]},
		TP:    &Group{rank: c.TP, state: mg.tp[[2]int{c.DP, c.PP}]},
		PP:    &Group{rank: c.PP, state: mg.pp[[2]int{c.DP, c.TP}]},
	}
}

// Launch runs fn once per mesh coordinate, each in its own goroutine with its
// own Procs, and waits for all of them. The first error cancels the others'
// context (collectives return the cancellation), and is returned.
func Launch(m Mesh, fn func(ctx context.Context, procs *Procs) error) error {
	mg := newMeshGroups(m)
	group, ctx := errgroup.WithContext(context.Background())
	for _, coord := range m.Coords() {
		procs := mg.procsFor(m, coord)
		group.Go(func() error {
			return fn(ctx, procs)
		})
	}
	return group.Wait()
}
