package versioning

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
)

// SubtypeVersioning tags graphs that track entity history.
const SubtypeVersioning = "versioning"

// ErrGraphNotFound indicates that no graph row exists for the id.
var ErrGraphNotFound = errors.New("versioning: graph not found")

// GraphHeader is the persisted graph row.
type GraphHeader struct {
	ID         string
	EntityType entity.Type
	EntityID   string
	Subtype    string
	Master     []int
}

// NodeRow is a persisted version node.
type NodeRow struct {
	Index     int
	Label     string
	CreatedAt time.Time
}

// EdgeRow is a persisted changelog edge with its compressed delta body.
type EdgeRow struct {
	From int
	To   int
	Body []byte
}

// Snapshot is everything persisted for one graph.
type Snapshot struct {
	Header GraphHeader
	Nodes  []NodeRow
	Edges  []EdgeRow
}

// Repository persists graphs, nodes, edges and master paths.
type Repository interface {
	CreateGraph(ctx context.Context, header GraphHeader, root NodeRow) error
	LoadGraph(ctx context.Context, graphID string) (Snapshot, error)
	// SaveCommit stores a new node, its incoming edge and the grown master path atomically.
	SaveCommit(ctx context.Context, graphID string, node NodeRow, edge EdgeRow, master []int) error
	SaveMaster(ctx context.Context, graphID string, master []int) error
}
