package versioning_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
	"github.com/MarcoPoloResearchLab/tempo/internal/storage"
	"github.com/MarcoPoloResearchLab/tempo/internal/transaction"
	"github.com/MarcoPoloResearchLab/tempo/internal/versioning"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var databaseCounter atomic.Int64

type fixture struct {
	store   *storage.EntityStore
	factory *transaction.Factory
	service *versioning.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:versioning_%d?mode=memory&cache=shared", databaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(storage.Models()...); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	clock := func() time.Time { return time.Date(2026, time.October, 1, 0, 0, 0, 0, time.UTC) }
	store, err := storage.NewEntityStore(storage.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("entity store: %v", err)
	}
	repository, err := storage.NewGraphRepository(storage.StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("graph repository: %v", err)
	}
	factory, err := transaction.NewFactory(transaction.FactoryConfig{Store: store, Clock: clock})
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	service, err := versioning.NewService(versioning.ServiceConfig{Repository: repository, Factory: factory, Clock: clock})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	return fixture{store: store, factory: factory, service: service}
}

func (f fixture) commit(t *testing.T, graph *versioning.VersioningGraph, staged ...transaction.Transaction) versioning.Version {
	t.Helper()
	for _, tx := range staged {
		if err := graph.Apply(tx); err != nil {
			t.Fatalf("stage: %v", err)
		}
	}
	if _, _, err := graph.AssignVersion(context.Background()); err != nil {
		t.Fatalf("assign version: %v", err)
	}
	return graph.Head()
}

func (f fixture) name(t *testing.T, id string) (string, bool) {
	t.Helper()
	record, err := f.store.Read(context.Background(), entity.TypeItem, id, entity.ReadOptions{IncludeInactive: true})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if record == nil {
		return "", false
	}
	return fmt.Sprint(record.Fields["name"]), record.Active
}

func TestAssignVersionGrowsMasterByOne(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	graph, err := f.service.Create(ctx, entity.Key{Type: entity.TypeItem, ID: "item-1"})
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}
	root := graph.Head()

	if _, _, err := graph.AssignVersion(ctx); !errors.Is(err, versioning.ErrNothingStaged) {
		t.Fatalf("expected ErrNothingStaged, got %v", err)
	}

	first := f.commit(t, graph, f.factory.NewCreate(entity.TypeItem, "item-1", entity.Fields{"name": "pump"}))
	second := f.commit(t, graph, f.factory.NewUpdate(entity.TypeItem, "item-1", entity.Fields{"name": "valve"}))
	if !reflect.DeepEqual(graph.Master(), []int{0, 1, 2}) {
		t.Fatalf("unexpected master %v", graph.Master())
	}
	labels := map[string]struct{}{root.Label: {}, first.Label: {}, second.Label: {}}
	if len(labels) != 3 {
		t.Fatalf("labels must be unique, got %v", labels)
	}
	if name, active := f.name(t, "item-1"); name != "valve" || !active {
		t.Fatalf("unexpected state %q active=%v", name, active)
	}

	reloaded, err := f.service.Load(ctx, graph.ID())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(reloaded.Master(), graph.Master()) || !reloaded.Head().Equal(second) {
		t.Fatalf("reload mismatch: master %v head %v", reloaded.Master(), reloaded.Head())
	}
	changelog, ok := reloaded.Changelog(1, 2)
	if !ok || changelog.Delta.Kind() != transaction.KindDelta {
		t.Fatalf("expected decoded delta changelog, got %+v", changelog)
	}
}

func TestFailedCommitLeavesMasterUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	graph, err := f.service.Create(ctx, entity.Key{Type: entity.TypeItem, ID: "item-1"})
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}
	f.commit(t, graph, f.factory.NewCreate(entity.TypeItem, "item-1", entity.Fields{"name": "pump"}))

	if err := graph.Apply(f.factory.NewCreate(entity.TypeItem, "item-1", entity.Fields{"name": "dup"})); err != nil {
		t.Fatalf("stage: %v", err)
	}
	_, master, err := graph.AssignVersion(ctx)
	found, ok := conflict.As(err)
	if !ok || found.Kind != conflict.KindCreateOnExistingEntity {
		t.Fatalf("expected CreateOnExistingEntity, got %v", err)
	}
	if !reflect.DeepEqual(master, []int{0, 1}) || graph.Pending() != 0 {
		t.Fatalf("expected master [0 1] and empty buffer, got %v pending=%d", master, graph.Pending())
	}
}

func TestCheckoutWalksBackAndForth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	graph, err := f.service.Create(ctx, entity.Key{Type: entity.TypeItem, ID: "item-1"})
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}
	root := graph.Head()
	first := f.commit(t, graph, f.factory.NewCreate(entity.TypeItem, "item-1", entity.Fields{"name": "pump"}))
	second := f.commit(t, graph, f.factory.NewUpdate(entity.TypeItem, "item-1", entity.Fields{"name": "valve"}))

	staged, err := graph.Checkout(ctx, second.Label)
	if err != nil || len(staged) != 0 {
		t.Fatalf("checkout of head must stage nothing, got %d err=%v", len(staged), err)
	}

	staged, err = graph.Checkout(ctx, first.Label)
	if err != nil || len(staged) != 1 {
		t.Fatalf("expected one staged inverse, got %d err=%v", len(staged), err)
	}
	if err := graph.Apply(f.factory.NewRead(entity.TypeItem, "item-1", nil)); !errors.Is(err, versioning.ErrPendingChanges) {
		t.Fatalf("expected ErrPendingChanges while checkout is staged, got %v", err)
	}
	if name, _ := f.name(t, "item-1"); name != "valve" {
		t.Fatalf("checkout must not apply before commit, got %q", name)
	}
	if _, master, err := graph.AssignVersion(ctx); err != nil || !reflect.DeepEqual(master, []int{0, 1}) {
		t.Fatalf("expected master [0 1], got %v err=%v", master, err)
	}
	if name, _ := f.name(t, "item-1"); name != "pump" {
		t.Fatalf("expected pump after checkout, got %q", name)
	}

	if _, err := graph.Checkout(ctx, root.Label); err != nil {
		t.Fatalf("checkout root: %v", err)
	}
	if _, _, err := graph.AssignVersion(ctx); err != nil {
		t.Fatalf("commit root checkout: %v", err)
	}
	if _, active := f.name(t, "item-1"); active {
		t.Fatalf("expected entity to be tombstoned at the root version")
	}

	if _, err := graph.Checkout(ctx, second.Label); err != nil {
		t.Fatalf("checkout forward: %v", err)
	}
	if _, master, err := graph.AssignVersion(ctx); err != nil || !reflect.DeepEqual(master, []int{0, 1, 2}) {
		t.Fatalf("expected master [0 1 2], got %v err=%v", master, err)
	}
	if name, active := f.name(t, "item-1"); name != "valve" || !active {
		t.Fatalf("expected valve restored, got %q active=%v", name, active)
	}
	if len(graph.Versions()) != 3 {
		t.Fatalf("checkout must not allocate nodes, got %d", len(graph.Versions()))
	}
}

func TestCheckoutAcrossBranches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	graph, err := f.service.Create(ctx, entity.Key{Type: entity.TypeItem, ID: "item-1"})
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}
	f.commit(t, graph, f.factory.NewCreate(entity.TypeItem, "item-1", entity.Fields{"name": "pump"}))
	left := f.commit(t, graph, f.factory.NewUpdate(entity.TypeItem, "item-1", entity.Fields{"name": "left"}))
	if err := graph.Revert(ctx); err != nil {
		t.Fatalf("revert: %v", err)
	}
	f.commit(t, graph, f.factory.NewUpdate(entity.TypeItem, "item-1", entity.Fields{"name": "right"}))
	if !reflect.DeepEqual(graph.Master(), []int{0, 1, 3}) {
		t.Fatalf("unexpected master %v", graph.Master())
	}

	staged, err := graph.Checkout(ctx, left.Label)
	if err != nil || len(staged) != 2 {
		t.Fatalf("expected inverse plus forward hop, got %d err=%v", len(staged), err)
	}
	if _, master, err := graph.AssignVersion(ctx); err != nil || !reflect.DeepEqual(master, []int{0, 1, 2}) {
		t.Fatalf("expected master [0 1 2], got %v err=%v", master, err)
	}
	if name, _ := f.name(t, "item-1"); name != "left" {
		t.Fatalf("expected left, got %q", name)
	}
}

func TestCheckoutUnknownVersion(t *testing.T) {
	f := newFixture(t)
	graph, err := f.service.Create(context.Background(), entity.Key{Type: entity.TypeItem, ID: "item-1"})
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}
	_, err = graph.Checkout(context.Background(), "missing")
	found, ok := conflict.As(err)
	if !ok || found.Kind != conflict.KindVersionNotFound || found.Version != "missing" {
		t.Fatalf("expected VersionNotFound, got %v", err)
	}
	if found.Solve(conflict.RoleForce) {
		t.Fatalf("VersionNotFound must stay unresolved")
	}
}

func TestRevertMovesPointerAndContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	graph, err := f.service.Create(ctx, entity.Key{Type: entity.TypeItem, ID: "item-1"})
	if err != nil {
		t.Fatalf("create graph: %v", err)
	}
	if err := graph.Revert(ctx); !errors.Is(err, versioning.ErrAtRoot) {
		t.Fatalf("expected ErrAtRoot, got %v", err)
	}
	f.commit(t, graph, f.factory.NewCreate(entity.TypeItem, "item-1", entity.Fields{"name": "pump"}))
	f.commit(t, graph, f.factory.NewUpdate(entity.TypeItem, "item-1", entity.Fields{"name": "valve"}))

	if err := graph.Revert(ctx); err != nil {
		t.Fatalf("revert: %v", err)
	}
	if !reflect.DeepEqual(graph.Master(), []int{0, 1}) {
		t.Fatalf("unexpected master %v", graph.Master())
	}
	if name, _ := f.name(t, "item-1"); name != "pump" {
		t.Fatalf("expected pump, got %q", name)
	}

	reloaded, err := f.service.Load(ctx, graph.ID())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(reloaded.Master(), []int{0, 1}) || len(reloaded.Versions()) != 3 {
		t.Fatalf("expected persisted master [0 1] with 3 versions, got %v / %d", reloaded.Master(), len(reloaded.Versions()))
	}
}
