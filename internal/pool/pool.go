// Package pool implements the Pool Controller (§4.6): homogeneous,
// template-scoped groups of agents managed as a unit, with acquire/release
// semantics, cooldown-gated auto-scaling, and a maintenance loop that keeps
// membership and sizing invariants honest as agents come and go.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fenwick-ops/conductor/internal/cerrors"
	"github.com/fenwick-ops/conductor/internal/config"
	"github.com/fenwick-ops/conductor/internal/eventbus"
	"github.com/fenwick-ops/conductor/internal/lifecycle"
	"github.com/fenwick-ops/conductor/internal/model"
	"github.com/fenwick-ops/conductor/internal/registry"
)

// AgentLifecycle is the subset of *lifecycle.Manager the Pool Controller
// drives, narrowed to an interface so tests can substitute a fake instead
// of standing up a real Supervisor and Event Bus wiring.
type AgentLifecycle interface {
	CreateAgent(templateName string, ov lifecycle.Overrides) (string, error)
	StartAgent(ctx context.Context, agentID string) error
	RemoveAgent(ctx context.Context, agentID string) error
}

// staleIdleTimeout marks an idle available agent for recycling (§4.6:
// "stale idle agents (idle > 5 min)").
const staleIdleTimeout = 5 * time.Minute

// ScaleAction names the direction a ScaleRule fires.
type ScaleAction string

const (
	ScaleUp   ScaleAction = "scale-up"
	ScaleDown ScaleAction = "scale-down"
)

// ScaleComparison names the operator a ScaleRule's threshold check uses.
type ScaleComparison string

const (
	CompareGTE ScaleComparison = "gte"
	CompareLTE ScaleComparison = "lte"
)

// Metric names a value a ScaleRule can compare against.
type Metric string

const (
	MetricUtilization Metric = "pool-utilization" // busy/currentSize
	MetricQueueDepth  Metric = "queue-depth"       // rolling acquire-wait count
)

// ScaleRule is one row of a pool's scaling policy (§4.6:
// "(metric, comparison, threshold, action, amount)"). Rules evaluate
// top-to-bottom; the first one that matches fires and the rest are skipped
// for that cooldown window.
type ScaleRule struct {
	Metric     Metric
	Comparison ScaleComparison
	Threshold  float64
	Action     ScaleAction
	Amount     int
}

// CreateOptions configures a new pool (§4.6).
type CreateOptions struct {
	MinSize            int
	MaxSize            int
	AutoScale          bool
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	Cooldown           time.Duration
	Rules              []ScaleRule
}

// Controller owns pool membership, acquire/release, scaling, and
// maintenance.
type Controller struct {
	reg *registry.Registry
	lc  AgentLifecycle
	bus *eventbus.Bus
	cfg config.PoolConfig
	log *slog.Logger

	mu           sync.Mutex
	waiters      map[string][]chan string // poolID -> queue of blocked acquire()s
	queueDepth   map[string]int           // poolID -> current waiter count, the queue-depth metric
	rules        map[string][]ScaleRule
	useCount     map[string]int // agentID -> lifetime acquire count
	recycleAfter int
	lastIdleAt   map[string]time.Time // agentID -> when it last became available
	nextIndex    map[string]int       // poolID -> next stable instance number, never reused

	poolLocks map[string]*sync.Mutex // poolID -> lock serializing its GetPool/mutate/PutPool sequence
}

// New constructs a Controller. recycleAfter <= 0 disables use-count-based
// recycling (agents recycle only on staleness/death).
func New(reg *registry.Registry, lc AgentLifecycle, bus *eventbus.Bus, cfg config.PoolConfig, recycleAfter int, log *slog.Logger) *Controller {
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = 15 * time.Second
	}
	if cfg.DefaultCooldown <= 0 {
		cfg.DefaultCooldown = 5 * time.Minute
	}
	if cfg.StaleIdleTimeout <= 0 {
		cfg.StaleIdleTimeout = staleIdleTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		reg:          reg,
		lc:           lc,
		bus:          bus,
		cfg:          cfg,
		log:          log,
		waiters:      make(map[string][]chan string),
		queueDepth:   make(map[string]int),
		rules:        make(map[string][]ScaleRule),
		useCount:     make(map[string]int),
		recycleAfter: recycleAfter,
		lastIdleAt:   make(map[string]time.Time),
		nextIndex:    make(map[string]int),
		poolLocks:    make(map[string]*sync.Mutex),
	}
}

// lockPool locks the mutex serializing poolID's GetPool/mutate/PutPool
// sequence, creating it on first use, and returns the matching unlock func
// (§5: "pool membership mutated under a per-pool lock").
func (c *Controller) lockPool(poolID string) func() {
	c.mu.Lock()
	l, ok := c.poolLocks[poolID]
	if !ok {
		l = &sync.Mutex{}
		c.poolLocks[poolID] = l
	}
	c.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// allocIndex returns the next stable instance number for poolID. Indices
// are never reused, so a replenishment after a removal can't collide with
// an id still in use (§4.6: "delta creation is in template order with
// stable instance numbering").
func (c *Controller) allocIndex(poolID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.nextIndex[poolID]
	c.nextIndex[poolID] = idx + 1
	return idx
}

// CreatePool creates and starts minSize agents of template (§4.6).
func (c *Controller) CreatePool(ctx context.Context, name, template string, opts CreateOptions) (string, error) {
	const op = "pool.CreatePool"
	if opts.MinSize < 0 || opts.MaxSize < opts.MinSize {
		return "", cerrors.E(op, cerrors.InvalidArgument, fmt.Errorf("invalid size bounds min=%d max=%d", opts.MinSize, opts.MaxSize))
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = c.cfg.DefaultCooldown
	}

	id := name
	p := &model.Pool{
		ID:                 id,
		Name:               name,
		Template:           template,
		MinSize:            opts.MinSize,
		MaxSize:            opts.MaxSize,
		AutoScale:          opts.AutoScale,
		ScaleUpThreshold:   opts.ScaleUpThreshold,
		ScaleDownThreshold: opts.ScaleDownThreshold,
		CooldownMs:         cooldown.Milliseconds(),
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	if err := c.reg.PutPool(p); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.rules[id] = opts.Rules
	c.mu.Unlock()

	for i := 0; i < opts.MinSize; i++ {
		if err := c.spawnMember(ctx, p); err != nil {
			c.log.Warn("pool: failed to start initial member", "pool", id, "error", err)
		}
	}

	c.bus.Publish("pool:created", map[string]interface{}{"poolId": id, "template": template, "minSize": opts.MinSize})
	return id, nil
}

// spawnMember starts a new agent and adds it to p's available set. It takes
// its own per-pool lock, so callers must not hold poolID's lock when
// calling it.
func (c *Controller) spawnMember(ctx context.Context, p *model.Pool) error {
	index := c.allocIndex(p.ID)
	agentID, err := c.lc.CreateAgent(p.Template, lifecycle.Overrides{
		ID:     fmt.Sprintf("%s-%d", p.ID, index),
		PoolID: p.ID,
	})
	if err != nil {
		return err
	}
	if err := c.lc.StartAgent(ctx, agentID); err != nil {
		return err
	}

	unlock := c.lockPool(p.ID)
	defer unlock()
	fresh, err := c.reg.GetPool(p.ID)
	if err != nil {
		return err
	}
	if fresh == nil {
		fresh = p
	}
	fresh.Available = append(fresh.Available, agentID)
	fresh.UpdatedAt = time.Now()
	c.mu.Lock()
	c.lastIdleAt[agentID] = time.Now()
	c.mu.Unlock()
	if err := c.reg.PutPool(fresh); err != nil {
		return err
	}
	if fresh != p {
		*p = *fresh
	}
	return nil
}

// ScalePool moves the pool's current size toward target, respecting
// minSize <= target <= maxSize. Growth uses stable instance numbering in
// template order; shrink removes idle members in LRU order over
// lastActivityAt (§4.6).
func (c *Controller) ScalePool(ctx context.Context, poolID string, target int) error {
	p, current, err := c.scalePoolStart(poolID, target)
	if err != nil {
		return err
	}

	switch {
	case target > current:
		for i := 0; i < target-current; i++ {
			if err := c.spawnMember(ctx, p); err != nil {
				c.log.Warn("pool: scale-up member failed", "pool", poolID, "error", err)
				break
			}
		}
	case target < current:
		unlock := c.lockPool(poolID)
		toRemove := current - target
		removed := c.pickLRUAvailable(p, toRemove)
		for _, agentID := range removed {
			p.Remove(agentID)
		}
		p.UpdatedAt = time.Now()
		putErr := c.reg.PutPool(p)
		unlock()
		if putErr != nil {
			return putErr
		}
		for _, agentID := range removed {
			if err := c.lc.RemoveAgent(ctx, agentID); err != nil {
				c.log.Warn("pool: failed to remove agent during scale-down", "agent", agentID, "error", err)
			}
		}
	}

	p, err = c.reg.GetPool(poolID)
	if err != nil {
		return err
	}
	c.bus.Publish("pool:scaled", map[string]interface{}{"poolId": poolID, "target": target, "currentSize": p.CurrentSize()})
	return nil
}

// scalePoolStart validates the target under poolID's lock and returns the
// pool snapshot and its current size.
func (c *Controller) scalePoolStart(poolID string, target int) (*model.Pool, int, error) {
	const op = "pool.ScalePool"
	unlock := c.lockPool(poolID)
	defer unlock()
	p, err := c.reg.GetPool(poolID)
	if err != nil {
		return nil, 0, err
	}
	if p == nil {
		return nil, 0, cerrors.E(op, cerrors.NotFound, fmt.Errorf("pool %s", poolID))
	}
	if target < p.MinSize || target > p.MaxSize {
		return nil, 0, cerrors.E(op, cerrors.InvalidArgument, fmt.Errorf("target %d out of bounds [%d,%d]", target, p.MinSize, p.MaxSize))
	}
	return p, p.CurrentSize(), nil
}

// pickLRUAvailable returns up to n available agent ids ordered by oldest
// lastIdleAt first.
func (c *Controller) pickLRUAvailable(p *model.Pool, n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	avail := append([]string(nil), p.Available...)
	sort.Slice(avail, func(i, j int) bool {
		return c.lastIdleAt[avail[i]].Before(c.lastIdleAt[avail[j]])
	})
	if n > len(avail) {
		n = len(avail)
	}
	return avail[:n]
}

// Acquire pops a fresh available agent, growing the pool by one first if
// it's empty, autoScale is on, and there's headroom; otherwise blocks up to
// timeout for a release (§4.6).
func (c *Controller) Acquire(ctx context.Context, poolID string, timeout time.Duration) (string, error) {
	const op = "pool.Acquire"

	agentID, ok, err := c.tryAcquire(ctx, poolID)
	if err != nil {
		return "", err
	}
	if ok {
		return agentID, nil
	}

	c.mu.Lock()
	ch := make(chan string, 1)
	c.waiters[poolID] = append(c.waiters[poolID], ch)
	c.queueDepth[poolID]++
	c.mu.Unlock()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case agentID := <-ch:
		c.mu.Lock()
		c.queueDepth[poolID]--
		c.mu.Unlock()
		return agentID, nil
	case <-waitCtx.Done():
		c.mu.Lock()
		c.queueDepth[poolID]--
		c.removeWaiter(poolID, ch)
		c.mu.Unlock()
		return "", cerrors.E(op, cerrors.NoCapacity, fmt.Errorf("acquire timed out on pool %s", poolID))
	}
}

func (c *Controller) removeWaiter(poolID string, target chan string) {
	list := c.waiters[poolID]
	for i, ch := range list {
		if ch == target {
			c.waiters[poolID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// tryAcquire attempts a non-blocking pop, growing the pool by one when
// empty and eligible. ok is false when the caller must wait.
func (c *Controller) tryAcquire(ctx context.Context, poolID string) (agentID string, ok bool, err error) {
	const op = "pool.Acquire"

	unlock := c.lockPool(poolID)
	p, err := c.reg.GetPool(poolID)
	if err != nil {
		unlock()
		return "", false, err
	}
	if p == nil {
		unlock()
		return "", false, cerrors.E(op, cerrors.NotFound, fmt.Errorf("pool %s", poolID))
	}
	needsSpawn := len(p.Available) == 0 && p.CurrentSize() < p.MaxSize && p.AutoScale
	unlock()

	if needsSpawn {
		if err := c.spawnMember(ctx, p); err != nil {
			return "", false, err
		}
	}

	// Re-fetch and mark busy inside a single lock acquisition so two
	// concurrent callers can't both pop the same agent off Available.
	unlock = c.lockPool(poolID)
	defer unlock()
	p, err = c.reg.GetPool(poolID)
	if err != nil {
		return "", false, err
	}
	if p == nil {
		return "", false, cerrors.E(op, cerrors.NotFound, fmt.Errorf("pool %s", poolID))
	}
	if len(p.Available) == 0 {
		return "", false, nil
	}

	agentID = p.Available[0]
	p.MarkBusy(agentID)
	p.UpdatedAt = time.Now()
	if err := c.reg.PutPool(p); err != nil {
		return "", false, err
	}
	c.mu.Lock()
	c.useCount[agentID]++
	c.mu.Unlock()
	return agentID, true, nil
}

// Release returns agentID to the pool's available set, or destroys and
// (if under min) replaces it once its use count reaches recycleAfter or
// it's no longer alive (§4.6).
func (c *Controller) Release(ctx context.Context, poolID, agentID string) error {
	const op = "pool.Release"

	a, err := c.reg.GetAgent(agentID)
	alive := err == nil && a != nil && a.Status != model.AgentTerminated && a.Status != model.AgentStatusError

	c.mu.Lock()
	uses := c.useCount[agentID]
	c.mu.Unlock()
	recycle := !alive || (c.recycleAfter > 0 && uses >= c.recycleAfter)

	unlock := c.lockPool(poolID)
	p, err := c.reg.GetPool(poolID)
	if err != nil {
		unlock()
		return err
	}
	if p == nil {
		unlock()
		return cerrors.E(op, cerrors.NotFound, fmt.Errorf("pool %s", poolID))
	}

	if recycle {
		p.Remove(agentID)
		p.UpdatedAt = time.Now()
		putErr := c.reg.PutPool(p)
		belowMin := p.CurrentSize() < p.MinSize
		unlock()
		if putErr != nil {
			return putErr
		}
		if err := c.lc.RemoveAgent(ctx, agentID); err != nil {
			c.log.Warn("pool: failed to remove recycled agent", "agent", agentID, "error", err)
		}
		if belowMin {
			if err := c.spawnMember(ctx, p); err != nil {
				c.log.Warn("pool: replacement spawn failed", "pool", poolID, "error", err)
			}
		}
		return nil
	}

	p.MarkAvailable(agentID)
	p.UpdatedAt = time.Now()
	putErr := c.reg.PutPool(p)
	unlock()
	if putErr != nil {
		return putErr
	}

	c.mu.Lock()
	c.lastIdleAt[agentID] = time.Now()
	hasWaiters := len(c.waiters[poolID]) > 0
	c.mu.Unlock()

	if !hasWaiters {
		return nil
	}

	// Hand it straight to the oldest waiter instead of leaving it
	// available for tryAcquire to race against.
	agentID2, ok, err := c.tryAcquire(ctx, poolID)
	if err != nil || !ok {
		return nil
	}
	c.mu.Lock()
	waiters := c.waiters[poolID]
	if len(waiters) == 0 {
		c.mu.Unlock()
		unlock := c.lockPool(poolID)
		if p, _ := c.reg.GetPool(poolID); p != nil {
			p.MarkAvailable(agentID2)
			_ = c.reg.PutPool(p)
		}
		unlock()
		return nil
	}
	next := waiters[0]
	c.waiters[poolID] = waiters[1:]
	c.mu.Unlock()
	next <- agentID2
	return nil
}

// StartMaintenance runs the maintenance loop until ctx is cancelled: dead
// -agent removal, min-size replenishment, and stale-idle recycling (§4.6).
func (c *Controller) StartMaintenance(ctx context.Context) {
	t := time.NewTicker(c.cfg.MaintenanceInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.maintainAll(ctx)
			c.evaluateScalingAll(ctx)
		}
	}
}

func (c *Controller) maintainAll(ctx context.Context) {
	pools, err := c.reg.QueryPools(registry.Predicate{})
	if err != nil {
		c.log.Warn("pool: maintenance scan failed", "error", err)
		return
	}
	for _, p := range pools {
		c.maintainOne(ctx, p)
	}
}

func (c *Controller) maintainOne(ctx context.Context, p *model.Pool) {
	unlock := c.lockPool(p.ID)
	changed := false
	for _, agentID := range append(append([]string(nil), p.Available...), p.Busy...) {
		a, err := c.reg.GetAgent(agentID)
		if err != nil {
			continue
		}
		if a == nil || a.Status == model.AgentTerminated {
			p.Remove(agentID)
			changed = true
		}
	}

	c.mu.Lock()
	var stale []string
	for _, agentID := range p.Available {
		if since, ok := c.lastIdleAt[agentID]; ok && time.Since(since) > c.cfg.StaleIdleTimeout {
			stale = append(stale, agentID)
		}
	}
	c.mu.Unlock()
	for _, agentID := range stale {
		p.Remove(agentID)
		changed = true
	}

	if changed {
		p.UpdatedAt = time.Now()
		_ = c.reg.PutPool(p)
	}
	unlock()

	for _, agentID := range stale {
		if err := c.lc.RemoveAgent(ctx, agentID); err != nil {
			c.log.Warn("pool: failed to recycle stale-idle agent", "agent", agentID, "error", err)
		}
	}

	for p.CurrentSize() < p.MinSize {
		if err := c.spawnMember(ctx, p); err != nil {
			c.log.Warn("pool: replenishment failed", "pool", p.ID, "error", err)
			break
		}
	}
}

// evaluateScalingAll runs each pool's scaling policy once, gated by its
// cooldown (§4.6: "at most one action fires per cooldown window").
func (c *Controller) evaluateScalingAll(ctx context.Context) {
	pools, err := c.reg.QueryPools(registry.Predicate{})
	if err != nil {
		return
	}
	for _, p := range pools {
		if !p.AutoScale {
			continue
		}
		cooldown := time.Duration(p.CooldownMs) * time.Millisecond
		if cooldown <= 0 {
			cooldown = c.cfg.DefaultCooldown
		}
		if !p.LastScaledAt.IsZero() && time.Since(p.LastScaledAt) < cooldown {
			continue
		}
		c.evaluateScaling(ctx, p)
	}
}

func (c *Controller) evaluateScaling(ctx context.Context, p *model.Pool) {
	c.mu.Lock()
	rules := c.rules[p.ID]
	depth := c.queueDepth[p.ID]
	c.mu.Unlock()

	for _, rule := range rules {
		var value float64
		switch rule.Metric {
		case MetricUtilization:
			value = p.Utilization()
		case MetricQueueDepth:
			value = float64(depth)
		default:
			continue
		}

		match := (rule.Comparison == CompareGTE && value >= rule.Threshold) ||
			(rule.Comparison == CompareLTE && value <= rule.Threshold)
		if !match {
			continue
		}

		current := p.CurrentSize()
		var target int
		switch rule.Action {
		case ScaleUp:
			target = current + rule.Amount
			if target > p.MaxSize {
				target = p.MaxSize
			}
		case ScaleDown:
			target = current - rule.Amount
			if target < p.MinSize {
				target = p.MinSize
			}
		}
		if target == current {
			return
		}
		if err := c.ScalePool(ctx, p.ID, target); err != nil {
			c.log.Warn("pool: scaling rule action failed", "pool", p.ID, "error", err)
			return
		}
		p, err := c.reg.GetPool(p.ID)
		if err != nil || p == nil {
			return
		}
		p.LastScaledAt = time.Now()
		_ = c.reg.PutPool(p)
		return // at most one action fires per cooldown window
	}
}
