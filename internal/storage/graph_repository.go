package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
	"github.com/MarcoPoloResearchLab/tempo/internal/versioning"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GraphRepository persists version graphs in the version_* tables.
type GraphRepository struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

var _ versioning.Repository = (*GraphRepository)(nil)

// NewGraphRepository validates the configuration and returns a GraphRepository.
func NewGraphRepository(cfg StoreConfig) (*GraphRepository, error) {
	normalized, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	return &GraphRepository{db: normalized.Database, clock: normalized.Clock, logger: normalized.Logger}, nil
}

// CreateGraph inserts the header row and the root node.
func (r *GraphRepository) CreateGraph(ctx context.Context, header versioning.GraphHeader, root versioning.NodeRow) error {
	nowMillis := r.clock().UTC().UnixMilli()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		graph := VersionGraph{
			ID:              header.ID,
			EntityType:      string(header.EntityType),
			EntityID:        header.EntityID,
			Subtype:         header.Subtype,
			MasterPath:      versioning.FormatMaster(header.Master),
			CreatedAtMillis: nowMillis,
			UpdatedAtMillis: nowMillis,
		}
		if err := tx.Create(&graph).Error; err != nil {
			return translateError(err)
		}
		node := VersionNode{
			GraphID:         header.ID,
			NodeIndex:       root.Index,
			Label:           root.Label,
			CreatedAtMillis: root.CreatedAt.UTC().UnixMilli(),
		}
		return translateError(tx.Create(&node).Error)
	})
}

// LoadGraph reads the header, nodes and edges of one graph.
func (r *GraphRepository) LoadGraph(ctx context.Context, graphID string) (versioning.Snapshot, error) {
	db := r.db.WithContext(ctx)
	var graph VersionGraph
	if err := db.Where("id = ?", graphID).Take(&graph).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return versioning.Snapshot{}, fmt.Errorf("%w: %s", versioning.ErrGraphNotFound, graphID)
		}
		return versioning.Snapshot{}, err
	}
	master, err := versioning.ParseMaster(graph.MasterPath)
	if err != nil {
		return versioning.Snapshot{}, fmt.Errorf("graph %s master path: %w", graphID, err)
	}

	var nodes []VersionNode
	if err := db.Where("graph_id = ?", graphID).Order("node_index ASC").Find(&nodes).Error; err != nil {
		return versioning.Snapshot{}, err
	}
	var edges []VersionEdge
	if err := db.Where("graph_id = ?", graphID).Order("id ASC").Find(&edges).Error; err != nil {
		return versioning.Snapshot{}, err
	}

	snapshot := versioning.Snapshot{
		Header: versioning.GraphHeader{
			ID:         graph.ID,
			EntityType: entity.Type(graph.EntityType),
			EntityID:   graph.EntityID,
			Subtype:    graph.Subtype,
			Master:     master,
		},
		Nodes: make([]versioning.NodeRow, 0, len(nodes)),
		Edges: make([]versioning.EdgeRow, 0, len(edges)),
	}
	indexByNodeID := make(map[int64]int, len(nodes))
	for _, node := range nodes {
		indexByNodeID[node.ID] = node.NodeIndex
		snapshot.Nodes = append(snapshot.Nodes, versioning.NodeRow{
			Index:     node.NodeIndex,
			Label:     node.Label,
			CreatedAt: time.UnixMilli(node.CreatedAtMillis).UTC(),
		})
	}
	for _, edge := range edges {
		from, fromOK := indexByNodeID[edge.SourceNodeID]
		to, toOK := indexByNodeID[edge.DestinationNodeID]
		if !fromOK || !toOK {
			return versioning.Snapshot{}, fmt.Errorf("graph %s edge %d references an unknown node", graphID, edge.ID)
		}
		snapshot.Edges = append(snapshot.Edges, versioning.EdgeRow{From: from, To: to, Body: edge.Body})
	}
	return snapshot, nil
}

// SaveCommit inserts the node and its incoming edge and stores the new
// master path in one database transaction.
func (r *GraphRepository) SaveCommit(ctx context.Context, graphID string, node versioning.NodeRow, edge versioning.EdgeRow, master []int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var source VersionNode
		if err := tx.Where("graph_id = ? AND node_index = ?", graphID, edge.From).Take(&source).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: graph %s node %d", versioning.ErrNodeMissing, graphID, edge.From)
			}
			return err
		}
		destination := VersionNode{
			GraphID:         graphID,
			NodeIndex:       node.Index,
			Label:           node.Label,
			CreatedAtMillis: node.CreatedAt.UTC().UnixMilli(),
		}
		if err := tx.Create(&destination).Error; err != nil {
			return translateError(err)
		}
		row := VersionEdge{
			GraphID:           graphID,
			SourceNodeID:      source.ID,
			DestinationNodeID: destination.ID,
			Body:              edge.Body,
		}
		if err := tx.Create(&row).Error; err != nil {
			return translateError(err)
		}
		return r.updateMaster(tx, graphID, master)
	})
}

// SaveMaster replaces the stored master path.
func (r *GraphRepository) SaveMaster(ctx context.Context, graphID string, master []int) error {
	return r.updateMaster(r.db.WithContext(ctx), graphID, master)
}

func (r *GraphRepository) updateMaster(db *gorm.DB, graphID string, master []int) error {
	result := db.Model(&VersionGraph{}).
		Where("id = ?", graphID).
		Updates(map[string]any{
			"master_path":   versioning.FormatMaster(master),
			"updated_at_ms": r.clock().UTC().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", versioning.ErrGraphNotFound, graphID)
	}
	return nil
}

// FindGraphID returns the id of the graph tracking key, if any.
func (r *GraphRepository) FindGraphID(ctx context.Context, key entity.Key) (string, bool, error) {
	var graph VersionGraph
	err := r.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ? AND subtype = ?", string(key.Type), key.ID, versioning.SubtypeVersioning).
		Order("created_at_ms DESC").
		Take(&graph).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return graph.ID, true, nil
}
