package kg

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memGraph はテスト用のインメモリ知識グラフ
type memGraph struct {
	mu        sync.Mutex
	entities  map[uuid.UUID]*Entity
	created   []uuid.UUID
	relations map[uuid.UUID]*Relation
	sources   map[uuid.UUID]map[SourceRef]struct{}
	relSrcs   map[uuid.UUID]map[SourceRef]struct{}

	failCreateRelation bool
	edgeQueries        int
}

var (
	_ Repository     = (*memGraph)(nil)
	_ Transactor     = (*memGraph)(nil)
	_ ReadRepository = (*memGraph)(nil)
)

func newMemGraph() *memGraph {
	return &memGraph{
		entities:  map[uuid.UUID]*Entity{},
		relations: map[uuid.UUID]*Relation{},
		sources:   map[uuid.UUID]map[SourceRef]struct{}{},
		relSrcs:   map[uuid.UUID]map[SourceRef]struct{}{},
	}
}

type memSnapshot struct {
	entities  map[uuid.UUID]Entity
	created   []uuid.UUID
	relations map[uuid.UUID]Relation
	sources   map[uuid.UUID]map[SourceRef]struct{}
	relSrcs   map[uuid.UUID]map[SourceRef]struct{}
}

func cloneLinks(links map[uuid.UUID]map[SourceRef]struct{}) map[uuid.UUID]map[SourceRef]struct{} {
	out := map[uuid.UUID]map[SourceRef]struct{}{}
	for id, refs := range links {
		m := map[SourceRef]struct{}{}
		for r := range refs {
			m[r] = struct{}{}
		}
		out[id] = m
	}
	return out
}

func (g *memGraph) snapshot() memSnapshot {
	s := memSnapshot{
		entities:  map[uuid.UUID]Entity{},
		created:   slices.Clone(g.created),
		relations: map[uuid.UUID]Relation{},
		sources:   cloneLinks(g.sources),
		relSrcs:   cloneLinks(g.relSrcs),
	}
	for id, e := range g.entities {
		cp := *e
		cp.Aliases = slices.Clone(e.Aliases)
		s.entities[id] = cp
	}
	for id, r := range g.relations {
		s.relations[id] = *r
	}
	return s
}

func (g *memGraph) restore(s memSnapshot) {
	g.entities = map[uuid.UUID]*Entity{}
	for id, e := range s.entities {
		cp := e
		g.entities[id] = &cp
	}
	g.created = s.created
	g.relations = map[uuid.UUID]*Relation{}
	for id, r := range s.relations {
		cp := r
		g.relations[id] = &cp
	}
	g.sources = s.sources
	g.relSrcs = s.relSrcs
}

func (g *memGraph) WithinTx(ctx context.Context, fn func(repo Repository) error) error {
	g.mu.Lock()
	snap := g.snapshot()
	g.mu.Unlock()
	if err := fn(g); err != nil {
		g.mu.Lock()
		g.restore(snap)
		g.mu.Unlock()
		return err
	}
	return nil
}

func (g *memGraph) FindEntityByNormalizedName(ctx context.Context, normalizedName string) (mo.Option[*Entity], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.created {
		if e, ok := g.entities[id]; ok && e.NormalizedName == normalizedName {
			cp := *e
			return mo.Some(&cp), nil
		}
	}
	return mo.None[*Entity](), nil
}

func (g *memGraph) FindEntityByAlias(ctx context.Context, aliasKey string) (mo.Option[*Entity], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.created {
		e, ok := g.entities[id]
		if ok && slices.Contains(AliasKeys(e.Aliases), aliasKey) {
			cp := *e
			return mo.Some(&cp), nil
		}
	}
	return mo.None[*Entity](), nil
}

func (g *memGraph) CreateEntity(ctx context.Context, entity *Entity) (*Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entities {
		if e.NormalizedName == entity.NormalizedName {
			return nil, errors.New("duplicate normalized name")
		}
	}
	cp := *entity
	cp.ID = uuid.New()
	g.entities[cp.ID] = &cp
	g.created = append(g.created, cp.ID)
	out := cp
	return &out, nil
}

func (g *memGraph) UpdateEntity(ctx context.Context, id uuid.UUID, description string, aliases []string, incrementMention bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entities[id]
	if !ok {
		return ErrEntityNotFound
	}
	e.Description = description
	e.Aliases = slices.Clone(aliases)
	if incrementMention {
		e.MentionCount++
	}
	return nil
}

func (g *memGraph) LinkEntitySource(ctx context.Context, entityID uuid.UUID, ref SourceRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sources[entityID] == nil {
		g.sources[entityID] = map[SourceRef]struct{}{}
	}
	g.sources[entityID][ref] = struct{}{}
	return nil
}

func (g *memGraph) FindRelation(ctx context.Context, sourceID, targetID uuid.UUID, relationType string) (mo.Option[*Relation], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, r := range g.relations {
		if r.SourceEntityID == sourceID && r.TargetEntityID == targetID && r.RelationType == relationType {
			cp := *r
			return mo.Some(&cp), nil
		}
	}
	return mo.None[*Relation](), nil
}

func (g *memGraph) CreateRelation(ctx context.Context, relation *Relation) (*Relation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCreateRelation {
		return nil, errors.New("relation insert failed")
	}
	if relation.SourceEntityID == relation.TargetEntityID {
		return nil, errors.New("self loop")
	}
	cp := *relation
	cp.ID = uuid.New()
	g.relations[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (g *memGraph) IncrementRelation(ctx context.Context, id uuid.UUID, evidence int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.relations[id]
	if !ok {
		return errors.New("relation not found")
	}
	r.Strength++
	r.EvidenceCount += evidence
	return nil
}

func (g *memGraph) LinkRelationSource(ctx context.Context, relationID uuid.UUID, ref SourceRef) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.relSrcs[relationID] == nil {
		g.relSrcs[relationID] = map[SourceRef]struct{}{}
	}
	g.relSrcs[relationID][ref] = struct{}{}
	return nil
}

func (g *memGraph) RemoveSource(ctx context.Context, ref SourceRef) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var removed int64
	for id, refs := range g.sources {
		delete(refs, ref)
		if len(refs) > 0 {
			continue
		}
		delete(g.sources, id)
		delete(g.entities, id)
		removed++
		for rid, r := range g.relations {
			if r.SourceEntityID == id || r.TargetEntityID == id {
				delete(g.relations, rid)
				delete(g.relSrcs, rid)
			}
		}
	}
	for rid := range g.relations {
		refs := g.relSrcs[rid]
		delete(refs, ref)
		if len(refs) == 0 {
			delete(g.relations, rid)
			delete(g.relSrcs, rid)
		}
	}
	return removed, nil
}

func (g *memGraph) node(e *Entity) *Node {
	return &Node{
		ID:           e.ID,
		Name:         e.Name,
		Type:         e.Type,
		Description:  e.Description,
		Aliases:      slices.Clone(e.Aliases),
		MentionCount: e.MentionCount,
		SourceCount:  len(g.sources[e.ID]),
	}
}

func (g *memGraph) ListNodesBySource(ctx context.Context, ref SourceRef) ([]*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Node
	for _, id := range g.created {
		if _, ok := g.sources[id][ref]; ok {
			out = append(out, g.node(g.entities[id]))
		}
	}
	return out, nil
}

func (g *memGraph) TopNodes(ctx context.Context, limit int) ([]*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Node
	for _, id := range g.created {
		if e, ok := g.entities[id]; ok {
			out = append(out, g.node(e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MentionCount > out[j].MentionCount })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *memGraph) GetNode(ctx context.Context, id uuid.UUID) (mo.Option[*Node], error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entities[id]
	if !ok {
		return mo.None[*Node](), nil
	}
	return mo.Some(g.node(e)), nil
}

func (g *memGraph) GetNodesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Node
	for _, id := range ids {
		if e, ok := g.entities[id]; ok {
			out = append(out, g.node(e))
		}
	}
	return out, nil
}

func (g *memGraph) edges(match func(r *Relation) bool) []*Edge {
	var out []*Edge
	for _, r := range g.relations {
		if match(r) {
			out = append(out, &Edge{
				ID:            r.ID,
				Source:        r.SourceEntityID,
				Target:        r.TargetEntityID,
				Type:          r.RelationType,
				Strength:      r.Strength,
				EvidenceCount: r.EvidenceCount,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (g *memGraph) ListEdgesAmong(ctx context.Context, ids []uuid.UUID) ([]*Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edgeQueries++
	return g.edges(func(r *Relation) bool {
		return slices.Contains(ids, r.SourceEntityID) && slices.Contains(ids, r.TargetEntityID)
	}), nil
}

func (g *memGraph) ListEdgesTouching(ctx context.Context, ids []uuid.UUID) ([]*Edge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edgeQueries++
	return g.edges(func(r *Relation) bool {
		return slices.Contains(ids, r.SourceEntityID) || slices.Contains(ids, r.TargetEntityID)
	}), nil
}

func (g *memGraph) SearchNodes(ctx context.Context, query, entityType string, limit int) ([]*Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var exact, partial []*Node
	for _, id := range g.created {
		e, ok := g.entities[id]
		if !ok || (entityType != "" && e.Type != entityType) {
			continue
		}
		keys := append([]string{e.NormalizedName}, AliasKeys(e.Aliases)...)
		switch {
		case slices.Contains(keys, query):
			exact = append(exact, g.node(e))
		case slices.ContainsFunc(keys, func(k string) bool { return strings.Contains(k, query) }):
			partial = append(partial, g.node(e))
		}
	}
	sort.SliceStable(partial, func(i, j int) bool { return partial[i].MentionCount > partial[j].MentionCount })
	out := append(exact, partial...)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *memGraph) Stats(ctx context.Context) (*Stats, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	stats := &Stats{
		EntityCount:    len(g.entities),
		RelationCount:  len(g.relations),
		EntitiesByType: map[string]int{},
	}
	refs := map[SourceRef]struct{}{}
	for id, e := range g.entities {
		stats.EntitiesByType[e.Type]++
		for r := range g.sources[id] {
			refs[r] = struct{}{}
		}
	}
	stats.SourceCount = len(refs)
	return stats, nil
}

func (g *memGraph) entityByName(normalizedName string) *Entity {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entities {
		if e.NormalizedName == normalizedName {
			return e
		}
	}
	return nil
}
