// Package registry implements the durable, indexed store of agent/task/
// workflow records specified in §4.2: a cache-fronted wrapper around
// internal/store's namespace-partitioned SQLite backend, plus the
// deterministic scoring primitive the Lifecycle Manager and Workflow
// Engine use to pick an agent for a task.
package registry

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fenwick-ops/conductor/internal/cerrors"
	"github.com/fenwick-ops/conductor/internal/eventbus"
	"github.com/fenwick-ops/conductor/internal/model"
	"github.com/fenwick-ops/conductor/internal/store"
)

// Namespace names the logical collection a record belongs to (§6).
type Namespace string

const (
	NSAgents    Namespace = "agents"
	NSTasks     Namespace = "tasks"
	NSWorkflows Namespace = "workflows"
	NSPools     Namespace = "pools"
	NSArchived  Namespace = "archived"
)

// BackoffConfig shapes the capped exponential backoff applied to backend
// writes (§4.2: "base 100ms, cap 5s, jitter ±20%").
type BackoffConfig struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter float64
	Tries  int
}

func defaultBackoff() BackoffConfig {
	return BackoffConfig{Base: 100 * time.Millisecond, Cap: 5 * time.Second, Jitter: 0.2, Tries: 5}
}

type cacheEntry struct {
	raw      store.Record
	cachedAt time.Time
}

// Registry is the cache-fronted, score-capable handle onto the durable
// backend. Reads may be served from the cache within Staleness; writes
// invalidate the affected entry and update it in place.
type Registry struct {
	backend   *store.Store
	bus       *eventbus.Bus
	backoff   BackoffConfig
	staleness time.Duration

	mu    sync.RWMutex
	cache map[string]*cacheEntry // "namespace/id" -> entry
}

// New constructs a Registry over backend. A nil bus disables event
// emission (useful in tests). staleness of 0 uses the spec default (60s).
func New(backend *store.Store, bus *eventbus.Bus, staleness time.Duration) *Registry {
	if staleness <= 0 {
		staleness = 60 * time.Second
	}
	return &Registry{
		backend:   backend,
		bus:       bus,
		backoff:   defaultBackoff(),
		staleness: staleness,
		cache:     make(map[string]*cacheEntry),
	}
}

func cacheKey(ns Namespace, id string) string { return string(ns) + "/" + id }

// Put durably writes record under (namespace, id), retrying backend
// unavailability with capped exponential backoff, then updates the cache
// and emits "{namespace}:updated".
func (r *Registry) Put(ns Namespace, id, kind, typ, status string, record any, tags []string) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return cerrors.E("registry.Put", cerrors.InvalidArgument, err)
	}

	rec := store.Record{
		Namespace: string(ns),
		ID:        id,
		Kind:      kind,
		Type:      typ,
		Status:    status,
		Payload:   string(payload),
		Tags:      tags,
	}

	if err := r.withBackoff("registry.Put", func() error { return r.backend.Put(&rec) }); err != nil {
		return err
	}

	r.mu.Lock()
	r.cache[cacheKey(ns, id)] = &cacheEntry{raw: rec, cachedAt: time.Now()}
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(string(ns)+":updated", map[string]interface{}{"namespace": string(ns), "id": id})
	}
	return nil
}

// Get returns the raw record at (namespace, id), or nil if it does not
// exist. Cache hits younger than Staleness are returned without a backend
// read; a miss or stale entry refreshes from the backend lazily.
func (r *Registry) Get(ns Namespace, id string) (*store.Record, error) {
	key := cacheKey(ns, id)

	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if ok && time.Since(entry.cachedAt) < r.staleness {
		cp := entry.raw
		return &cp, nil
	}

	var rec *store.Record
	err := r.withBackoff("registry.Get", func() error {
		var e error
		rec, e = r.backend.Get(string(ns), id)
		return e
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		r.mu.Lock()
		delete(r.cache, key)
		r.mu.Unlock()
		return nil, nil
	}

	r.mu.Lock()
	r.cache[key] = &cacheEntry{raw: *rec, cachedAt: time.Now()}
	r.mu.Unlock()
	return rec, nil
}

// Delete removes (namespace, id). When preserveHistory is true the record
// is copied into NSArchived (keyed by the same id, tagged with the
// deletion timestamp) before the original is removed, so
// query(archived, id) still resolves it afterward.
func (r *Registry) Delete(ns Namespace, id string, preserveHistory bool) error {
	if preserveHistory {
		rec, err := r.Get(ns, id)
		if err != nil {
			return err
		}
		if rec != nil {
			archived := *rec
			archived.Namespace = string(NSArchived)
			archived.Tags = append(append([]string{}, rec.Tags...), "archivedAt:"+time.Now().UTC().Format(time.RFC3339))
			if err := r.withBackoff("registry.Delete.archive", func() error { return r.backend.Put(&archived) }); err != nil {
				return err
			}
			r.mu.Lock()
			r.cache[cacheKey(NSArchived, id)] = &cacheEntry{raw: archived, cachedAt: time.Now()}
			r.mu.Unlock()
		}
	}

	if err := r.withBackoff("registry.Delete", func() error { return r.backend.Delete(string(ns), id) }); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.cache, cacheKey(ns, id))
	r.mu.Unlock()

	if r.bus != nil {
		r.bus.Publish(string(ns)+":updated", map[string]interface{}{"namespace": string(ns), "id": id, "deleted": true})
	}
	return nil
}

// Predicate selects records out of a namespace (§4.2: "type/status/tag/
// health-threshold/name-pattern/created-after/last-active-after").
type Predicate struct {
	ID              string
	Type            string
	Status          string
	Tag             string
	HealthAtLeast   *float64
	NamePattern     string // substring match against the decoded "name" field
	CreatedAfter    *time.Time
	LastActiveAfter *time.Time
	IncludeArchived bool
}

// Query filters namespace's records by predicate. SQL-indexable fields
// (type/status/tag) are pushed down to the backend; the rest are applied
// in-process against the decoded payload, since they are not columns.
func (r *Registry) Query(ns Namespace, p Predicate) ([]store.Record, error) {
	if p.ID != "" {
		rec, err := r.Get(ns, p.ID)
		if err != nil || rec == nil {
			return nil, err
		}
		return []store.Record{*rec}, nil
	}

	var recs []store.Record
	err := r.withBackoff("registry.Query", func() error {
		var e error
		recs, e = r.backend.Query(string(ns), store.Query{
			Type:            p.Type,
			Status:          p.Status,
			Tag:             p.Tag,
			IncludeArchived: p.IncludeArchived,
		})
		return e
	})
	if err != nil {
		return nil, err
	}

	out := recs[:0]
	for _, rec := range recs {
		if matchesDecoded(rec, p) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func matchesDecoded(rec store.Record, p Predicate) bool {
	if p.HealthAtLeast == nil && p.NamePattern == "" && p.CreatedAfter == nil && p.LastActiveAfter == nil {
		return true
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(rec.Payload), &m); err != nil {
		return false
	}
	if p.HealthAtLeast != nil {
		h, _ := m["health"].(float64)
		if h < *p.HealthAtLeast {
			return false
		}
	}
	if p.NamePattern != "" {
		name, _ := m["name"].(string)
		if !strings.Contains(strings.ToLower(name), strings.ToLower(p.NamePattern)) {
			return false
		}
	}
	if p.CreatedAfter != nil {
		if !afterField(m, "createdAt", *p.CreatedAfter) {
			return false
		}
	}
	if p.LastActiveAfter != nil {
		if !afterField(m, "lastHeartbeatAt", *p.LastActiveAfter) && !afterField(m, "lastActivityAt", *p.LastActiveAfter) {
			return false
		}
	}
	return true
}

func afterField(m map[string]interface{}, field string, cutoff time.Time) bool {
	s, _ := m[field].(string)
	if s == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return false
	}
	return t.After(cutoff)
}

// Score computes the deterministic agent/task assignment score (§4.2):
// 40·health + 30·successRate + 20·(1−workload/maxConcurrent) +
// 10·capabilityMatchFraction.
func Score(a *model.Agent, requiredCapabilities []string) float64 {
	health := clamp01(a.Health)
	success := clamp01(a.SuccessRate())

	avail := 1.0
	if a.Capabilities.MaxConcurrentTasks > 0 {
		avail = 1 - float64(a.Workload)/float64(a.Capabilities.MaxConcurrentTasks)
		avail = clamp01(avail)
	}

	match := 1.0
	if len(requiredCapabilities) > 0 {
		match = capabilityMatchFraction(a, requiredCapabilities)
	}

	return 40*health + 30*success + 20*avail + 10*match
}

func capabilityMatchFraction(a *model.Agent, required []string) float64 {
	have := make(map[string]bool)
	for _, s := range a.Capabilities.Languages {
		have[strings.ToLower(s)] = true
	}
	for _, s := range a.Capabilities.Frameworks {
		have[strings.ToLower(s)] = true
	}
	for _, s := range a.Capabilities.Domains {
		have[strings.ToLower(s)] = true
	}
	for _, s := range a.Capabilities.Tools {
		have[strings.ToLower(s)] = true
	}

	var matched int
	for _, req := range required {
		if have[strings.ToLower(req)] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// BestAgent picks the highest-scoring candidate from candidates for a task
// requiring requiredCapabilities. Ties break by lower LastHeartbeatAt
// (freshness, i.e. the longer-idle agent wins) then by lexicographically
// smaller id. Returns nil if candidates is empty.
func BestAgent(candidates []*model.Agent, requiredCapabilities []string) *model.Agent {
	if len(candidates) == 0 {
		return nil
	}
	type scored struct {
		agent *model.Agent
		score float64
	}
	ss := make([]scored, len(candidates))
	for i, a := range candidates {
		ss[i] = scored{agent: a, score: Score(a, requiredCapabilities)}
	}
	sort.SliceStable(ss, func(i, j int) bool {
		if ss[i].score != ss[j].score {
			return ss[i].score > ss[j].score
		}
		if !ss[i].agent.LastHeartbeatAt.Equal(ss[j].agent.LastHeartbeatAt) {
			return ss[i].agent.LastHeartbeatAt.Before(ss[j].agent.LastHeartbeatAt)
		}
		return ss[i].agent.ID < ss[j].agent.ID
	})
	return ss[0].agent
}

// withBackoff retries op with capped exponential backoff + jitter on any
// error it returns, surfacing the final error to the caller, wrapped as
// BackendUnavailable, once the try budget is exhausted (§4.2, §7).
func (r *Registry) withBackoff(op string, fn func() error) error {
	var err error
	delay := r.backoff.Base
	for attempt := 0; attempt < r.backoff.Tries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == r.backoff.Tries-1 {
			break
		}
		jittered := delay
		if r.backoff.Jitter > 0 {
			spread := float64(delay) * r.backoff.Jitter
			jittered = delay + time.Duration((rand.Float64()*2-1)*spread)
		}
		if jittered > 0 {
			time.Sleep(jittered)
		}
		delay *= 2
		if delay > r.backoff.Cap {
			delay = r.backoff.Cap
		}
	}
	return cerrors.E(op, cerrors.BackendUnavailable, err)
}

// Typed convenience wrappers -------------------------------------------------

func (r *Registry) PutAgent(a *model.Agent) error {
	return r.Put(NSAgents, a.ID, "agent", a.Type, string(a.Status), a, agentTags(a))
}

func (r *Registry) GetAgent(id string) (*model.Agent, error) {
	rec, err := r.Get(NSAgents, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return decode[model.Agent](rec)
}

func (r *Registry) QueryAgents(p Predicate) ([]*model.Agent, error) {
	recs, err := r.Query(NSAgents, p)
	if err != nil {
		return nil, err
	}
	return decodeAll[model.Agent](recs)
}

func agentTags(a *model.Agent) []string {
	tags := []string{"type:" + a.Type, "template:" + a.Template}
	if a.PoolID != "" {
		tags = append(tags, "pool:"+a.PoolID)
	}
	return tags
}

func (r *Registry) PutWorkflow(w *model.Workflow) error {
	if err := r.Put(NSWorkflows, w.ID, "workflow", "", string(w.Status), w, []string{"name:" + w.Name}); err != nil {
		return err
	}
	for i := range w.Tasks {
		t := &w.Tasks[i]
		id := w.ID + "/" + t.ID
		if err := r.Put(NSTasks, id, "task", "", string(t.Status), t, []string{"workflow:" + w.ID}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) GetWorkflow(id string) (*model.Workflow, error) {
	rec, err := r.Get(NSWorkflows, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return decode[model.Workflow](rec)
}

func (r *Registry) QueryWorkflows(p Predicate) ([]*model.Workflow, error) {
	recs, err := r.Query(NSWorkflows, p)
	if err != nil {
		return nil, err
	}
	return decodeAll[model.Workflow](recs)
}

func (r *Registry) PutPool(p *model.Pool) error {
	return r.Put(NSPools, p.ID, "pool", p.Template, "", p, []string{"template:" + p.Template})
}

func (r *Registry) GetPool(id string) (*model.Pool, error) {
	rec, err := r.Get(NSPools, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return decode[model.Pool](rec)
}

func (r *Registry) QueryPools(p Predicate) ([]*model.Pool, error) {
	recs, err := r.Query(NSPools, p)
	if err != nil {
		return nil, err
	}
	return decodeAll[model.Pool](recs)
}

func decode[T any](rec *store.Record) (*T, error) {
	var v T
	if err := json.Unmarshal([]byte(rec.Payload), &v); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", rec.Namespace, rec.ID, err)
	}
	return &v, nil
}

func decodeAll[T any](recs []store.Record) ([]*T, error) {
	out := make([]*T, 0, len(recs))
	for i := range recs {
		v, err := decode[T](&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
