package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
	"github.com/MarcoPoloResearchLab/tempo/internal/versioning"
)

func TestGraphRepositoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDatabase(t)
	repository, err := NewGraphRepository(StoreConfig{Database: db, Clock: fixedClock()})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	created := time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC)
	header := versioning.GraphHeader{ID: "graph-1", EntityType: entity.TypeItem, EntityID: "item-1", Subtype: versioning.SubtypeVersioning, Master: []int{0}}
	if err := repository.CreateGraph(ctx, header, versioning.NodeRow{Index: 0, Label: "root", CreatedAt: created}); err != nil {
		t.Fatalf("create graph failed: %v", err)
	}
	commit := versioning.EdgeRow{From: 0, To: 1, Body: []byte("delta")}
	if err := repository.SaveCommit(ctx, "graph-1", versioning.NodeRow{Index: 1, Label: "first", CreatedAt: created}, commit, []int{0, 1}); err != nil {
		t.Fatalf("save commit failed: %v", err)
	}

	snapshot, err := repository.LoadGraph(ctx, "graph-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if versioning.FormatMaster(snapshot.Header.Master) != "0/1" {
		t.Fatalf("unexpected master %v", snapshot.Header.Master)
	}
	if len(snapshot.Nodes) != 2 || snapshot.Nodes[1].Label != "first" {
		t.Fatalf("unexpected nodes %+v", snapshot.Nodes)
	}
	if len(snapshot.Edges) != 1 || snapshot.Edges[0].From != 0 || snapshot.Edges[0].To != 1 || string(snapshot.Edges[0].Body) != "delta" {
		t.Fatalf("unexpected edges %+v", snapshot.Edges)
	}

	if err := repository.SaveMaster(ctx, "graph-1", []int{0}); err != nil {
		t.Fatalf("save master failed: %v", err)
	}
	graphID, found, err := repository.FindGraphID(ctx, entity.Key{Type: entity.TypeItem, ID: "item-1"})
	if err != nil || !found || graphID != "graph-1" {
		t.Fatalf("expected graph lookup to succeed, got %q %v %v", graphID, found, err)
	}
}

func TestGraphRepositoryRejectsDuplicateIndexAtomically(t *testing.T) {
	ctx := context.Background()
	repository, err := NewGraphRepository(StoreConfig{Database: openTestDatabase(t), Clock: fixedClock()})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	header := versioning.GraphHeader{ID: "graph-1", EntityType: entity.TypeItem, EntityID: "item-1", Subtype: versioning.SubtypeVersioning, Master: []int{0}}
	if err := repository.CreateGraph(ctx, header, versioning.NodeRow{Index: 0, Label: "root"}); err != nil {
		t.Fatalf("create graph failed: %v", err)
	}
	err = repository.SaveCommit(ctx, "graph-1", versioning.NodeRow{Index: 0, Label: "clash"}, versioning.EdgeRow{From: 0, To: 0}, []int{0, 0})
	if !errors.Is(err, entity.ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	snapshot, err := repository.LoadGraph(ctx, "graph-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(snapshot.Header.Master) != 1 || len(snapshot.Edges) != 0 {
		t.Fatalf("expected failed commit to leave no trace, got %+v", snapshot)
	}
}

func TestGraphRepositoryMissingGraph(t *testing.T) {
	repository, err := NewGraphRepository(StoreConfig{Database: openTestDatabase(t)})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	if _, err := repository.LoadGraph(context.Background(), "nope"); !errors.Is(err, versioning.ErrGraphNotFound) {
		t.Fatalf("expected ErrGraphNotFound, got %v", err)
	}
	if err := repository.SaveMaster(context.Background(), "nope", []int{0}); !errors.Is(err, versioning.ErrGraphNotFound) {
		t.Fatalf("expected ErrGraphNotFound, got %v", err)
	}
}

func TestConflictRepositoryListAndSolve(t *testing.T) {
	ctx := context.Background()
	repository, err := NewConflictRepository(StoreConfig{Database: openTestDatabase(t), Clock: fixedClock()})
	if err != nil {
		t.Fatalf("failed to build repository: %v", err)
	}
	record := conflict.Record{
		ID:          "c-1",
		GraphID:     "graph-1",
		EntityType:  "ITEM",
		EntityID:    "item-1",
		Kind:        conflict.KindReadSyncMismatch.String(),
		Role:        conflict.RoleDevice.String(),
		Description: "mismatch",
		Payload:     []byte(`{"name":"x"}`),
	}
	if err := repository.Save(ctx, record); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	unsolved := false
	open, err := repository.List(ctx, conflict.ListFilter{Solved: &unsolved})
	if err != nil || len(open) != 1 {
		t.Fatalf("expected one open conflict, got %v err=%v", open, err)
	}
	if string(open[0].Payload) != `{"name":"x"}` {
		t.Fatalf("unexpected payload %s", open[0].Payload)
	}

	solved, err := repository.MarkSolved(ctx, "c-1")
	if err != nil || !solved.Solved || solved.SolvedAt.IsZero() {
		t.Fatalf("expected solved record, got %+v err=%v", solved, err)
	}
	open, err = repository.List(ctx, conflict.ListFilter{Solved: &unsolved})
	if err != nil || len(open) != 0 {
		t.Fatalf("expected no open conflicts, got %v err=%v", open, err)
	}
	if _, err := repository.MarkSolved(ctx, "missing"); !errors.Is(err, conflict.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}
