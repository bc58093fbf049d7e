package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/tempo/internal/conflict"
	"github.com/MarcoPoloResearchLab/tempo/internal/entity"
	"github.com/MarcoPoloResearchLab/tempo/internal/transaction"
	"github.com/MarcoPoloResearchLab/tempo/internal/versioning"
	"go.uber.org/zap"
)

var noOpLogger = zap.NewNop()

// GraphLocator finds the graph of an entity whose row no longer points at it.
type GraphLocator interface {
	FindGraphID(ctx context.Context, key entity.Key) (string, bool, error)
}

// Config wires a Manager.
type Config struct {
	Store      entity.Store
	Factory    *transaction.Factory
	Graphs     *versioning.Service
	Locator    GraphLocator
	Conflicts  conflict.Repository
	Policy     conflict.Policy
	Lanes      *Lanes
	Clock      func() time.Time
	IDProvider transaction.IDProvider
	Logger     *zap.Logger
}

// Manager applies batches of entity transactions against per-entity version
// graphs, resolving conflicts by role and rolling back whole batches.
type Manager struct {
	store      entity.Store
	factory    *transaction.Factory
	graphs     *versioning.Service
	locator    GraphLocator
	conflicts  conflict.Repository
	policy     conflict.Policy
	lanes      *Lanes
	clock      func() time.Time
	idProvider transaction.IDProvider
	logger     *zap.Logger
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opManagerNew, "missing_store", errMissingStore)
	}
	if cfg.Factory == nil {
		return nil, newServiceError(opManagerNew, "missing_factory", errMissingFactory)
	}
	if cfg.Graphs == nil {
		return nil, newServiceError(opManagerNew, "missing_graphs", errMissingGraphs)
	}
	if cfg.Conflicts == nil {
		return nil, newServiceError(opManagerNew, "missing_conflicts", errMissingConflicts)
	}
	policy := cfg.Policy
	if policy == nil {
		policy = conflict.DefaultPolicy
	}
	lanes := cfg.Lanes
	if lanes == nil {
		lanes = NewLanes()
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
	return &Manager{
		store:      cfg.Store,
		factory:    cfg.Factory,
		graphs:     cfg.Graphs,
		locator:    cfg.Locator,
		conflicts:  cfg.Conflicts,
		policy:     policy,
		lanes:      lanes,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

type group struct {
	key      entity.Key
	incoming []transaction.CRUD
	staged   []transaction.CRUD
	before   *entity.Record
	graph    *versioning.VersioningGraph
}

func groupByEntity(batch []transaction.CRUD) []*group {
	index := make(map[entity.Key]*group)
	groups := make([]*group, 0)
	for _, tx := range batch {
		key := tx.Key()
		current, ok := index[key]
		if !ok {
			current = &group{key: key}
			index[key] = current
			groups = append(groups, current)
		}
		current.incoming = append(current.incoming, tx)
	}
	return groups
}

// Apply stages every transaction on its entity graph, then commits graph by
// graph in first-seen order. An unresolved conflict unwinds every committed
// graph in reverse, records the conflict and fails the batch with *BatchError.
func (m *Manager) Apply(ctx context.Context, batch []transaction.CRUD, role conflict.Role) ([]Response, error) {
	started := time.Now()
	defer func() { batchDuration.Observe(time.Since(started).Seconds()) }()

	if len(batch) == 0 {
		return []Response{}, nil
	}
	groups := groupByEntity(batch)
	keys := make([]string, 0, len(groups))
	for _, g := range groups {
		keys = append(keys, g.key.String())
	}
	release := m.lanes.Acquire(keys...)
	defer release()

	for _, g := range groups {
		if err := m.stage(ctx, g); err != nil {
			discard(groups)
			batchTotal.WithLabelValues(outcomeError).Inc()
			m.logError(opApply, "stage_failed", err, zap.String("entity", g.key.String()))
			return nil, newServiceError(opApply, "stage_failed", err)
		}
	}

	undo := &transaction.UndoLog{}
	responses := make([]Response, 0, len(groups))
	for i, g := range groups {
		if len(g.staged) == 0 {
			continue
		}
		committed, err := m.commitGroup(ctx, g, role)
		if err != nil {
			discard(groups[i+1:])
			return nil, m.abort(ctx, g, batch, role, undo, err)
		}
		if committed {
			undo.Push(g.key.String(), &graphStep{manager: m, group: g})
		}
		response, err := m.respond(ctx, g.key, g.graph, g.before)
		if err != nil {
			discard(groups[i+1:])
			return nil, m.abort(ctx, g, batch, role, undo, err)
		}
		responses = append(responses, response)
	}
	batchTotal.WithLabelValues(outcomeCommitted).Inc()
	return responses, nil
}

func (m *Manager) stage(ctx context.Context, g *group) error {
	before, err := m.store.Read(ctx, g.key.Type, g.key.ID, entity.ReadOptions{IncludeInactive: true})
	if err != nil {
		return err
	}
	g.before = before
	graph, err := m.openGraph(ctx, g.key, before, true)
	if err != nil {
		return err
	}
	g.graph = graph
	head := graph.Head().Label
	for _, tx := range g.incoming {
		if expected := tx.ExpectedVersion(); expected != "" && expected == head {
			m.logger.Debug("transaction already at master version",
				zap.String("entity", g.key.String()),
				zap.String("version", head),
				zap.String("transaction_id", tx.ID()))
			continue
		}
		if err := graph.Apply(tx); err != nil {
			return err
		}
		g.staged = append(g.staged, tx)
	}
	return nil
}

func (m *Manager) openGraph(ctx context.Context, key entity.Key, record *entity.Record, create bool) (*versioning.VersioningGraph, error) {
	graphID := ""
	if record != nil {
		graphID = record.GraphID
	}
	if graphID == "" && m.locator != nil {
		found, ok, err := m.locator.FindGraphID(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			graphID = found
		}
	}
	if graphID != "" {
		graph, err := m.graphs.Load(ctx, graphID)
		if err == nil {
			return graph, nil
		}
		if !errors.Is(err, versioning.ErrGraphNotFound) {
			return nil, err
		}
		m.logger.Warn("entity references a missing graph",
			zap.String("entity", key.String()),
			zap.String("graph_id", graphID))
	}
	if !create {
		return nil, fmt.Errorf("%w: %w: %s", entity.ErrNotFound, versioning.ErrGraphNotFound, key)
	}
	return m.graphs.Create(ctx, key)
}

// commitGroup assigns a version to the staged transactions. A resolved
// conflict replaces the failing member and restages fresh templates.
func (m *Manager) commitGroup(ctx context.Context, g *group, role conflict.Role) (bool, error) {
	limit := 2*len(g.staged) + 1
	for attempt := 0; attempt < limit; attempt++ {
		if len(g.staged) == 0 {
			g.graph.Discard()
			return false, nil
		}
		_, master, err := g.graph.AssignVersion(ctx)
		if err == nil {
			commitTotal.WithLabelValues(string(g.key.Type)).Inc()
			m.logger.Debug("version assigned",
				zap.String("entity", g.key.String()),
				zap.String("graph_id", g.graph.ID()),
				zap.String("master", versioning.FormatMaster(master)))
			return true, nil
		}
		found, ok := conflict.As(err)
		if !ok {
			return false, err
		}
		resolved := m.policy.Solve(found, role)
		conflictTotal.WithLabelValues(found.Kind.String(), strconv.FormatBool(resolved)).Inc()
		if !resolved {
			m.logger.Warn("conflict unresolved",
				zap.String("entity", g.key.String()),
				zap.String("kind", found.Kind.String()),
				zap.String("role", role.String()))
			return false, err
		}
		m.logger.Info("conflict resolved",
			zap.String("entity", g.key.String()),
			zap.String("kind", found.Kind.String()),
			zap.String("role", role.String()))

		member, ok := transaction.FailedMember(err)
		if !ok || member < 0 || member >= len(g.staged) {
			return false, err
		}
		if err := m.restage(g, m.resolveMember(g.staged, member, found)); err != nil {
			return false, err
		}
	}
	return false, newServiceError(opApply, "resolution_exhausted", fmt.Errorf("entity %s", g.key))
}

// resolveMember applies the side effect of a resolved conflict to the staged list.
func (m *Manager) resolveMember(staged []transaction.CRUD, index int, found *conflict.Conflict) []transaction.CRUD {
	failed := staged[index]
	var replacement transaction.CRUD
	switch found.Kind {
	case conflict.KindCreateOnExistingEntity:
		replacement = m.factory.NewUpdate(failed.EntityType(), failed.EntityID(), failed.Body())
	case conflict.KindReadSyncMismatch,
		conflict.KindReadSyncEntityNotExists,
		conflict.KindEntityAlreadyDeleted,
		conflict.KindNoChangeUpdate,
		conflict.KindVersionNotFound:
	}
	resolved := make([]transaction.CRUD, 0, len(staged))
	resolved = append(resolved, staged[:index]...)
	if replacement != nil {
		resolved = append(resolved, replacement)
	}
	return append(resolved, staged[index+1:]...)
}

func (m *Manager) restage(g *group, staged []transaction.CRUD) error {
	g.graph.Discard()
	fresh := make([]transaction.CRUD, 0, len(staged))
	for _, tx := range staged {
		template, ok := tx.Template().(transaction.CRUD)
		if !ok {
			return fmt.Errorf("template of %s is not an entity transaction", tx.Kind())
		}
		if err := g.graph.Apply(template); err != nil {
			return err
		}
		fresh = append(fresh, template)
	}
	g.staged = fresh
	return nil
}

func (m *Manager) abort(ctx context.Context, failed *group, batch []transaction.CRUD, role conflict.Role, undo *transaction.UndoLog, cause error) error {
	steps := undo.Labels()
	rollbackErr := undo.Unwind(ctx)
	if rollbackErr != nil {
		rollbackTotal.WithLabelValues("failed").Inc()
		m.logError(opApply, "rollback_failed", rollbackErr, zap.Strings("steps", steps))
	} else {
		rollbackTotal.WithLabelValues("ok").Inc()
	}

	found, ok := conflict.As(cause)
	if !ok {
		batchTotal.WithLabelValues(outcomeError).Inc()
		m.logError(opApply, "commit_failed", cause, zap.String("entity", failed.key.String()))
		return newServiceError(opApply, "commit_failed", errors.Join(cause, rollbackErr))
	}
	batchTotal.WithLabelValues(outcomeConflict).Inc()

	batchErr := &BatchError{Conflict: found, GraphID: failed.graph.ID(), Rollback: rollbackErr}
	record, err := m.newConflictRecord(failed.key, failed.graph, found, role, batchPayload(batch))
	if err == nil {
		err = m.conflicts.Save(ctx, record)
	}
	if err != nil {
		m.logError(opApply, "conflict_record_failed", err, zap.String("graph_id", batchErr.GraphID))
		return batchErr
	}
	batchErr.RecordID = record.ID
	return batchErr
}

func (m *Manager) newConflictRecord(key entity.Key, graph *versioning.VersioningGraph, found *conflict.Conflict, role conflict.Role, payload []byte) (conflict.Record, error) {
	id, err := m.idProvider.NewID()
	if err != nil {
		return conflict.Record{}, err
	}
	return conflict.Record{
		ID:               id,
		GraphID:          graph.ID(),
		EntityType:       string(key.Type),
		EntityID:         key.ID,
		Kind:             found.Kind.String(),
		Role:             role.String(),
		VersionAtFailure: graph.Head().Label,
		Description:      found.Error(),
		Payload:          payload,
		CreatedAt:        m.clock().UTC(),
	}, nil
}

func batchPayload(batch []transaction.CRUD) []byte {
	records := make([]transaction.Record, 0, len(batch))
	for _, tx := range batch {
		records = append(records, tx.Record())
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return []byte("[]")
	}
	return payload
}

// stamp writes the graph id and head label onto the entity row, if it exists.
func (m *Manager) stamp(ctx context.Context, key entity.Key, graph *versioning.VersioningGraph) (*entity.Record, error) {
	record, err := m.store.Read(ctx, key.Type, key.ID, entity.ReadOptions{IncludeInactive: true})
	if err != nil || record == nil {
		return record, err
	}
	label := graph.Head().Label
	if record.Version == label && record.GraphID == graph.ID() {
		return record, nil
	}
	return m.store.Update(ctx, key.Type, key.ID, entity.Fields{
		entity.FieldVersion: label,
		entity.FieldGraphID: graph.ID(),
	})
}

func (m *Manager) respond(ctx context.Context, key entity.Key, graph *versioning.VersioningGraph, before *entity.Record) (Response, error) {
	after, err := m.stamp(ctx, key, graph)
	if err != nil {
		return Response{}, err
	}
	return buildResponse(key, graph.Head().Label, before, after, m.clock()), nil
}

// Checkout moves an entity to the version labelled target and commits the
// move. Checking out the current head changes nothing.
func (m *Manager) Checkout(ctx context.Context, key entity.Key, target string, role conflict.Role) (Response, error) {
	release := m.lanes.Acquire(key.String())
	defer release()

	before, err := m.store.Read(ctx, key.Type, key.ID, entity.ReadOptions{IncludeInactive: true})
	if err != nil {
		return Response{}, newServiceError(opCheckout, "read_failed", err)
	}
	graph, err := m.openGraph(ctx, key, before, false)
	if err != nil {
		return Response{}, newServiceError(opCheckout, "graph_unavailable", err)
	}
	staged, err := graph.Checkout(ctx, target)
	if err != nil {
		found, ok := conflict.As(err)
		if !ok {
			return Response{}, newServiceError(opCheckout, "checkout_failed", err)
		}
		resolved := m.policy.Solve(found, role)
		conflictTotal.WithLabelValues(found.Kind.String(), strconv.FormatBool(resolved)).Inc()
		if resolved {
			return buildResponse(key, graph.Head().Label, before, before, m.clock()), nil
		}
		return Response{}, m.recordCheckoutConflict(ctx, key, graph, found, role, target)
	}
	if len(staged) > 0 {
		if _, _, err := graph.AssignVersion(ctx); err != nil {
			graph.Discard()
			m.logError(opCheckout, "commit_failed", err, zap.String("entity", key.String()), zap.String("target", target))
			return Response{}, newServiceError(opCheckout, "commit_failed", err)
		}
		commitTotal.WithLabelValues(string(key.Type)).Inc()
	}
	response, err := m.respond(ctx, key, graph, before)
	if err != nil {
		return Response{}, newServiceError(opCheckout, "stamp_failed", err)
	}
	return response, nil
}

func (m *Manager) recordCheckoutConflict(ctx context.Context, key entity.Key, graph *versioning.VersioningGraph, found *conflict.Conflict, role conflict.Role, target string) error {
	payload, _ := json.Marshal(map[string]string{"checkout": target})
	batchErr := &BatchError{Conflict: found, GraphID: graph.ID()}
	record, err := m.newConflictRecord(key, graph, found, role, payload)
	if err == nil {
		err = m.conflicts.Save(ctx, record)
	}
	if err != nil {
		m.logError(opCheckout, "conflict_record_failed", err, zap.String("graph_id", graph.ID()))
		return batchErr
	}
	batchErr.RecordID = record.ID
	return batchErr
}

// Revert steps an entity one version back along its master path, moving the
// pointer and the stored content together.
func (m *Manager) Revert(ctx context.Context, key entity.Key) (Response, error) {
	release := m.lanes.Acquire(key.String())
	defer release()

	before, err := m.store.Read(ctx, key.Type, key.ID, entity.ReadOptions{IncludeInactive: true})
	if err != nil {
		return Response{}, newServiceError(opRevert, "read_failed", err)
	}
	graph, err := m.openGraph(ctx, key, before, false)
	if err != nil {
		return Response{}, newServiceError(opRevert, "graph_unavailable", err)
	}
	if err := graph.Revert(ctx); err != nil {
		m.logError(opRevert, "revert_failed", err, zap.String("entity", key.String()))
		return Response{}, newServiceError(opRevert, "revert_failed", err)
	}
	response, err := m.respond(ctx, key, graph, before)
	if err != nil {
		return Response{}, newServiceError(opRevert, "stamp_failed", err)
	}
	return response, nil
}

// History lists the versions of an entity's graph.
func (m *Manager) History(ctx context.Context, key entity.Key) (History, error) {
	record, err := m.store.Read(ctx, key.Type, key.ID, entity.ReadOptions{IncludeInactive: true})
	if err != nil {
		return History{}, newServiceError(opHistory, "read_failed", err)
	}
	graph, err := m.openGraph(ctx, key, record, false)
	if err != nil {
		return History{}, newServiceError(opHistory, "graph_unavailable", err)
	}
	onMaster := make(map[int]struct{})
	master := make([]string, 0)
	for _, index := range graph.Master() {
		onMaster[index] = struct{}{}
	}
	versions := graph.Versions()
	labels := make(map[int]string, len(versions))
	views := make([]VersionView, 0, len(versions))
	for _, version := range versions {
		labels[version.Index] = version.Label
		_, on := onMaster[version.Index]
		views = append(views, VersionView{Label: version.Label, Index: version.Index, CreatedAt: version.CreatedAt, OnMaster: on})
	}
	for _, index := range graph.Master() {
		master = append(master, labels[index])
	}
	return History{
		GraphID:    graph.ID(),
		EntityType: key.Type,
		EntityID:   key.ID,
		Head:       graph.Head().Label,
		Master:     master,
		Versions:   views,
	}, nil
}

// graphStep is the undo log entry of one committed graph.
type graphStep struct {
	manager *Manager
	group   *group
}

func (s *graphStep) Revert(ctx context.Context) error {
	if err := s.group.graph.Revert(ctx); err != nil {
		return err
	}
	_, err := s.manager.stamp(ctx, s.group.key, s.group.graph)
	return err
}

func discard(groups []*group) {
	for _, g := range groups {
		if g.graph != nil {
			g.graph.Discard()
		}
	}
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	m.logger.Error("sync manager error", attrs...)
}
