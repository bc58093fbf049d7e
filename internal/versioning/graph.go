package versioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
	"github.com/MarcoPoloResearchLab/tempo/internal/transaction"
	"go.uber.org/zap"
)

var (
	// ErrNothingStaged is returned by AssignVersion with an empty buffer.
	ErrNothingStaged = errors.New("versioning: nothing staged")
	// ErrPendingChanges is returned when an operation needs an empty buffer.
	ErrPendingChanges = errors.New("versioning: uncommitted changes are staged")
	// ErrAtRoot is returned when reverting a graph whose master is the root.
	ErrAtRoot = errors.New("versioning: master is at the root version")

	errMissingRepository = errors.New("versioning: repository is required")
	errMissingFactory    = errors.New("versioning: transaction factory is required")
	noOpLogger           = zap.NewNop()
)

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Repository Repository
	Factory    *transaction.Factory
	Clock      func() time.Time
	IDProvider transaction.IDProvider
	Logger     *zap.Logger
}

// Service creates and loads versioning graphs.
type Service struct {
	repository Repository
	factory    *transaction.Factory
	codec      *Codec
	clock      func() time.Time
	idProvider transaction.IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Repository == nil {
		return nil, errMissingRepository
	}
	if cfg.Factory == nil {
		return nil, errMissingFactory
	}
	codec, err := NewCodec(cfg.Factory)
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = transaction.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		repository: cfg.Repository,
		factory:    cfg.Factory,
		codec:      codec,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Create persists a new graph for key with a single root version.
func (s *Service) Create(ctx context.Context, key entity.Key) (*VersioningGraph, error) {
	graphID, err := s.idProvider.NewID()
	if err != nil {
		return nil, fmt.Errorf("versioning: graph id: %w", err)
	}
	root := Version{Label: newLabel(graphID, "", 0, []byte(key.String())), Index: 0, CreatedAt: s.clock().UTC()}
	header := GraphHeader{ID: graphID, EntityType: key.Type, EntityID: key.ID, Subtype: SubtypeVersioning, Master: []int{root.Index}}
	if err := s.repository.CreateGraph(ctx, header, NodeRow{Index: root.Index, Label: root.Label, CreatedAt: root.CreatedAt}); err != nil {
		return nil, fmt.Errorf("versioning: create graph: %w", err)
	}
	graph := s.newGraph(header)
	if err := graph.dag.AddNodeAt(root.Index, root); err != nil {
		return nil, err
	}
	s.logger.Debug("version graph created", zap.String("graph_id", graphID), zap.String("entity", key.String()))
	return graph, nil
}

// Load restores a persisted graph, decoding every changelog.
func (s *Service) Load(ctx context.Context, graphID string) (*VersioningGraph, error) {
	snapshot, err := s.repository.LoadGraph(ctx, graphID)
	if err != nil {
		return nil, err
	}
	graph := s.newGraph(snapshot.Header)
	for _, node := range snapshot.Nodes {
		if err := graph.dag.AddNodeAt(node.Index, Version{Label: node.Label, Index: node.Index, CreatedAt: node.CreatedAt}); err != nil {
			return nil, err
		}
	}
	for _, edge := range snapshot.Edges {
		delta, err := s.codec.Decode(edge.Body)
		if err != nil {
			return nil, fmt.Errorf("versioning: graph %s edge %d->%d: %w", graphID, edge.From, edge.To, err)
		}
		if err := graph.dag.AddEdge(edge.From, edge.To, Changelog{From: edge.From, To: edge.To, Delta: delta}); err != nil {
			return nil, err
		}
	}
	if len(graph.master) == 0 {
		return nil, fmt.Errorf("versioning: graph %s has an empty master path", graphID)
	}
	for _, index := range graph.master {
		if _, ok := graph.dag.Node(index); !ok {
			return nil, fmt.Errorf("versioning: graph %s master references %w: %d", graphID, ErrNodeMissing, index)
		}
	}
	return graph, nil
}

func (s *Service) newGraph(header GraphHeader) *VersioningGraph {
	return &VersioningGraph{
		service: s,
		id:      header.ID,
		key:     entity.Key{Type: header.EntityType, ID: header.EntityID},
		dag:     NewDAG[Version, Changelog](),
		master:  append([]int(nil), header.Master...),
	}
}

type checkoutPlan struct {
	staged []transaction.Transaction
	master []int
}

// VersioningGraph tracks the history of one entity. It is not safe for
// concurrent use; callers serialize access per entity.
type VersioningGraph struct {
	service  *Service
	id       string
	key      entity.Key
	dag      *DAG[Version, Changelog]
	master   []int
	pending  []transaction.Transaction
	checkout *checkoutPlan
}

func (g *VersioningGraph) ID() string      { return g.id }
func (g *VersioningGraph) Key() entity.Key { return g.key }

// Master returns a copy of the root-to-head index path.
func (g *VersioningGraph) Master() []int {
	return append([]int(nil), g.master...)
}

// Head returns the version at the end of the master path.
func (g *VersioningGraph) Head() Version {
	version, _ := g.dag.Node(g.master[len(g.master)-1])
	return version
}

// Versions lists every version by ascending index.
func (g *VersioningGraph) Versions() []Version {
	indices := g.dag.Indices()
	versions := make([]Version, 0, len(indices))
	for _, index := range indices {
		version, _ := g.dag.Node(index)
		versions = append(versions, version)
	}
	return versions
}

// Version looks a version up by label.
func (g *VersioningGraph) Version(label string) (Version, bool) {
	index, ok := g.dag.Find(func(version Version) bool { return version.Label == label })
	if !ok {
		return Version{}, false
	}
	version, _ := g.dag.Node(index)
	return version, true
}

// Changelog returns the edge between two indices.
func (g *VersioningGraph) Changelog(from, to int) (Changelog, bool) {
	return g.dag.Edge(from, to)
}

// Pending reports the number of buffered transactions.
func (g *VersioningGraph) Pending() int {
	if g.checkout != nil {
		return len(g.checkout.staged)
	}
	return len(g.pending)
}

// Apply buffers t into the uncommitted changelog. Neither master nor storage change.
func (g *VersioningGraph) Apply(t transaction.Transaction) error {
	if g.checkout != nil {
		return ErrPendingChanges
	}
	g.pending = append(g.pending, t)
	return nil
}

// Discard drops buffered transactions and any pending checkout.
func (g *VersioningGraph) Discard() {
	g.pending = nil
	g.checkout = nil
}

// AssignVersion applies everything buffered as one Delta, allocates a node
// reached by an edge from the head, and persists the grown master path. A
// pending checkout is committed instead, moving master without a new node.
func (g *VersioningGraph) AssignVersion(ctx context.Context) (transaction.Transaction, []int, error) {
	if g.checkout != nil {
		return g.commitCheckout(ctx)
	}
	if len(g.pending) == 0 {
		return nil, g.Master(), ErrNothingStaged
	}
	delta := g.service.factory.NewDelta(g.pending)
	g.pending = nil
	if err := delta.Apply(ctx); err != nil {
		return nil, g.Master(), err
	}

	plain, compressed, err := g.service.codec.Encode(delta)
	if err != nil {
		return nil, g.Master(), g.undoCommit(ctx, delta, err)
	}
	head := g.Head()
	index := g.dag.NextIndex()
	version := Version{
		Label:     newLabel(g.id, head.Label, index, plain),
		Index:     index,
		CreatedAt: g.service.clock().UTC(),
	}
	master := append(g.Master(), index)
	node := NodeRow{Index: version.Index, Label: version.Label, CreatedAt: version.CreatedAt}
	edge := EdgeRow{From: head.Index, To: index, Body: compressed}
	if err := g.service.repository.SaveCommit(ctx, g.id, node, edge, master); err != nil {
		return nil, g.Master(), g.undoCommit(ctx, delta, err)
	}
	if err := g.dag.AddNodeAt(index, version); err != nil {
		return nil, g.Master(), err
	}
	if err := g.dag.AddEdge(head.Index, index, Changelog{From: head.Index, To: index, Delta: delta}); err != nil {
		return nil, g.Master(), err
	}
	g.master = master
	return delta, g.Master(), nil
}

func (g *VersioningGraph) undoCommit(ctx context.Context, delta transaction.Transaction, cause error) error {
	if revertErr := delta.Revert(ctx); revertErr != nil {
		g.service.logger.Error("version commit rollback failed",
			zap.String("graph_id", g.id),
			zap.Error(revertErr))
		return errors.Join(cause, revertErr)
	}
	return cause
}

// Revert moves master one step back and undoes that step's changelog in a
// single call.
func (g *VersioningGraph) Revert(ctx context.Context) error {
	if g.Pending() > 0 {
		return ErrPendingChanges
	}
	if len(g.master) <= 1 {
		return ErrAtRoot
	}
	from, to := g.master[len(g.master)-2], g.master[len(g.master)-1]
	changelog, ok := g.dag.Edge(from, to)
	if !ok {
		return fmt.Errorf("versioning: graph %s missing changelog %d->%d", g.id, from, to)
	}
	inversion, err := g.service.factory.Inversion(ctx, changelog.Delta)
	if err != nil {
		return err
	}
	if err := inversion.Apply(ctx); err != nil {
		return fmt.Errorf("versioning: revert graph %s: %w", g.id, err)
	}
	master := g.Master()[:len(g.master)-1]
	if err := g.service.repository.SaveMaster(ctx, g.id, master); err != nil {
		return g.undoCommit(ctx, inversion, err)
	}
	g.master = master
	return nil
}

// Checkout stages the transactions that move live state from the head to
// the version labelled target along the shortest undirected path. Forward
// hops replay the edge delta; backward hops replay its inverse. Nothing is
// applied until AssignVersion.
func (g *VersioningGraph) Checkout(ctx context.Context, target string) ([]transaction.Transaction, error) {
	if g.Pending() > 0 {
		return nil, ErrPendingChanges
	}
	version, ok := g.Version(target)
	if !ok {
		return nil, conflict.NewVersionNotFound(string(g.key.Type), g.key.ID, target)
	}
	head := g.Head()
	if version.Index == head.Index {
		return []transaction.Transaction{}, nil
	}
	path, err := g.dag.ShortestPath(head.Index, version.Index)
	if err != nil {
		return nil, err
	}

	master := g.Master()
	staged := make([]transaction.Transaction, 0, len(path)-1)
	for i := 0; i+1 < len(path); i++ {
		from, to := path[i], path[i+1]
		if changelog, ok := g.dag.Edge(from, to); ok {
			staged = append(staged, changelog.Delta.Template())
			master = append(master, to)
			continue
		}
		changelog, ok := g.dag.Edge(to, from)
		if !ok {
			return nil, fmt.Errorf("versioning: graph %s has no changelog between %d and %d", g.id, from, to)
		}
		inversion, err := g.service.factory.Inversion(ctx, changelog.Delta)
		if err != nil {
			return nil, err
		}
		staged = append(staged, inversion)
		master = master[:len(master)-1]
	}
	g.checkout = &checkoutPlan{staged: staged, master: master}
	return append([]transaction.Transaction(nil), staged...), nil
}

func (g *VersioningGraph) commitCheckout(ctx context.Context) (transaction.Transaction, []int, error) {
	plan := g.checkout
	g.checkout = nil
	delta := g.service.factory.NewDelta(plan.staged)
	if err := delta.Apply(ctx); err != nil {
		return nil, g.Master(), err
	}
	if err := g.service.repository.SaveMaster(ctx, g.id, plan.master); err != nil {
		return nil, g.Master(), g.undoCommit(ctx, delta, err)
	}
	g.master = plan.master
	return delta, g.Master(), nil
}
