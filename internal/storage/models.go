package storage

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
)

// EntityColumns holds the bookkeeping shared by every entity table.
type EntityColumns struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	GraphID          string `gorm:"column:graph_id;size:190;not null;index"`
	Version          string `gorm:"column:version;size:190;not null"`
	Active           bool   `gorm:"column:active;not null;index"`
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null"`
	ModifiedAtMillis int64  `gorm:"column:modified_at_ms;not null"`
	CreatedBy        string `gorm:"column:created_by;size:190;not null;default:''"`
	ModifiedBy       string `gorm:"column:modified_by;size:190;not null;default:''"`
}

func (c *EntityColumns) columns() *EntityColumns {
	return c
}

// withAuthors adds the author columns to the data fields of a row.
func (c *EntityColumns) withAuthors(fields entity.Fields) entity.Fields {
	fields[entity.FieldCreatedBy] = c.CreatedBy
	fields[entity.FieldModifiedBy] = c.ModifiedBy
	return fields
}

func (c *EntityColumns) assignAuthor(name string, value string) bool {
	switch name {
	case entity.FieldCreatedBy:
		c.CreatedBy = value
	case entity.FieldModifiedBy:
		c.ModifiedBy = value
	default:
		return false
	}
	return true
}

// Item models a tracked object.
type Item struct {
	EntityColumns
	Name       string `gorm:"column:name;size:255;not null"`
	Type       string `gorm:"column:type;size:190;not null"`
	CustomerID string `gorm:"column:customer_id;size:190;not null;index"`
	SyncPolicy string `gorm:"column:sync_policy;size:190;not null"`
	EdgeMac    string `gorm:"column:edge_mac;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "items"
}

func (i *Item) fields() entity.Fields {
	return entity.Fields{
		"name":        i.Name,
		"type":        i.Type,
		"customer_id": i.CustomerID,
		"sync_policy": i.SyncPolicy,
		"edge_mac":    i.EdgeMac,
	}
}

func (i *Item) assign(name string, value string) bool {
	switch name {
	case "name":
		i.Name = value
	case "type":
		i.Type = value
	case "customer_id":
		i.CustomerID = value
	case "sync_policy":
		i.SyncPolicy = value
	case "edge_mac":
		i.EdgeMac = value
	default:
		return false
	}
	return true
}

// Attribute models a named value attached to an item.
type Attribute struct {
	EntityColumns
	ItemID     string `gorm:"column:item_id;size:190;not null;uniqueIndex:idx_attributes_item_name,priority:1"`
	Name       string `gorm:"column:name;size:190;not null;uniqueIndex:idx_attributes_item_name,priority:2"`
	Type       string `gorm:"column:type;size:190;not null"`
	Value      string `gorm:"column:value;type:text;not null"`
	ValueType  string `gorm:"column:value_type;size:64;not null"`
	SyncPolicy string `gorm:"column:sync_policy;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Attribute) TableName() string {
	return "attributes"
}

func (a *Attribute) fields() entity.Fields {
	return entity.Fields{
		"item_id":     a.ItemID,
		"name":        a.Name,
		"type":        a.Type,
		"value":       a.Value,
		"value_type":  a.ValueType,
		"sync_policy": a.SyncPolicy,
	}
}

func (a *Attribute) assign(name string, value string) bool {
	switch name {
	case "item_id":
		a.ItemID = value
	case "name":
		a.Name = value
	case "type":
		a.Type = value
	case "value":
		a.Value = value
	case "value_type":
		a.ValueType = value
	case "sync_policy":
		a.SyncPolicy = value
	default:
		return false
	}
	return true
}

// Relation links a parent item to a child item.
type Relation struct {
	EntityColumns
	ParentID string `gorm:"column:parent_id;size:190;not null;index"`
	ChildID  string `gorm:"column:child_id;size:190;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Relation) TableName() string {
	return "relations"
}

func (r *Relation) fields() entity.Fields {
	return entity.Fields{
		"parent_id": r.ParentID,
		"child_id":  r.ChildID,
	}
}

func (r *Relation) assign(name string, value string) bool {
	switch name {
	case "parent_id":
		r.ParentID = value
	case "child_id":
		r.ChildID = value
	default:
		return false
	}
	return true
}

type entityRow interface {
	TableName() string
	columns() *EntityColumns
	fields() entity.Fields
	assign(name string, value string) bool
}

func newEntityRow(entityType entity.Type) (entityRow, error) {
	switch entityType {
	case entity.TypeItem:
		return &Item{}, nil
	case entity.TypeAttribute:
		return &Attribute{}, nil
	case entity.TypeRelation:
		return &Relation{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", entity.ErrUnknownType, entityType)
	}
}

// VersionGraph is the persisted header of one entity's version graph.
type VersionGraph struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	EntityType      string `gorm:"column:entity_type;size:32;not null;index:idx_version_graphs_entity,priority:1"`
	EntityID        string `gorm:"column:entity_id;size:190;not null;index:idx_version_graphs_entity,priority:2"`
	Subtype         string `gorm:"column:subtype;size:64;not null"`
	MasterPath      string `gorm:"column:master_path;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64  `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionGraph) TableName() string {
	return "version_graphs"
}

// VersionNode is one version of a graph.
type VersionNode struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement"`
	GraphID         string `gorm:"column:graph_id;size:190;not null;uniqueIndex:idx_version_nodes_graph_index,priority:1;uniqueIndex:idx_version_nodes_graph_label,priority:1"`
	NodeIndex       int    `gorm:"column:node_index;not null;uniqueIndex:idx_version_nodes_graph_index,priority:2"`
	Label           string `gorm:"column:label;size:64;not null;uniqueIndex:idx_version_nodes_graph_label,priority:2"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionNode) TableName() string {
	return "version_nodes"
}

// VersionEdge is a changelog between two nodes; Body is the compressed delta.
type VersionEdge struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement"`
	GraphID           string `gorm:"column:graph_id;size:190;not null;index"`
	SourceNodeID      int64  `gorm:"column:source_node_id;not null;uniqueIndex:idx_version_edges_pair,priority:1"`
	DestinationNodeID int64  `gorm:"column:destination_node_id;not null;uniqueIndex:idx_version_edges_pair,priority:2"`
	Body              []byte `gorm:"column:body;type:blob;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VersionEdge) TableName() string {
	return "version_edges"
}

// ConflictRecord is the audit row of a conflict that could not be resolved.
type ConflictRecord struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	GraphID          string `gorm:"column:graph_id;size:190;not null;index"`
	EntityType       string `gorm:"column:entity_type;size:32;not null"`
	EntityID         string `gorm:"column:entity_id;size:190;not null"`
	Kind             string `gorm:"column:kind;size:64;not null"`
	Role             string `gorm:"column:role;size:32;not null"`
	VersionAtFailure string `gorm:"column:version_at_failure;size:190;not null"`
	Description      string `gorm:"column:description;type:text;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	Solved           bool   `gorm:"column:solved;not null;index"`
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null;index"`
	SolvedAtMillis   int64  `gorm:"column:solved_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// Models lists every table for schema migration.
func Models() []any {
	return []any{
		&Item{},
		&Attribute{},
		&Relation{},
		&VersionGraph{},
		&VersionNode{},
		&VersionEdge{},
		&ConflictRecord{},
	}
}
