package container

import (
	"encoding/json"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/scm/pkg/events"
	"github.com/cuemby/scm/pkg/gateway"
	"github.com/cuemby/scm/pkg/log"
	"github.com/cuemby/scm/pkg/metrics"
	"github.com/cuemby/scm/pkg/raftlog"
	"github.com/cuemby/scm/pkg/scmerr"
	"github.com/cuemby/scm/pkg/store"
	"github.com/cuemby/scm/pkg/types"
)

// PipelineSource is the narrow slice of the Pipeline Manager the
// Container Manager needs: finding or creating an OPEN pipeline to
// allocate onto. Identifiers only cross this boundary (§3, §9).
type PipelineSource interface {
	OpenPipelineFor(t types.ReplicationType, factor int) (*types.Pipeline, bool)
	Create(t types.ReplicationType, factor int) (*types.Pipeline, error)
	GetPipeline(id types.PipelineID) (*types.Pipeline, error)
}

// NodeSource is the narrow slice of the Node Manager needed to enqueue
// CloseContainer/DeleteContainer commands on a container's replicas.
type NodeSource interface {
	AddDatanodeCommand(id types.NodeID, cmd types.DatanodeCommand)
}

// Config holds the Container Manager's tunables from the §6
// configuration surface.
type Config struct {
	MinContainersPerDN     int
	MinPipelineCountPerDN  int
	ContainerSizeBytes     int64
}

func (c *Config) setDefaults() {
	if c.MinContainersPerDN == 0 {
		c.MinContainersPerDN = 1
	}
	if c.MinPipelineCountPerDN == 0 {
		c.MinPipelineCountPerDN = 1
	}
	if c.ContainerSizeBytes == 0 {
		c.ContainerSizeBytes = 5 * 1024 * 1024 * 1024 // 5 GiB
	}
}

// Manager is the Container Manager (§4.6). It exclusively owns the
// ContainerInfo map and persists it; the replica index is transient,
// rebuilt purely from datanode reports (§3 Ownership).
type Manager struct {
	mu  sync.RWMutex
	kv  store.KV
	gw  *gateway.Gateway
	cfg Config
	pm  PipelineSource
	nm  NodeSource
	brk *events.Broker

	containers  map[types.ContainerID]*types.ContainerInfo
	byPipeline  map[types.PipelineID]map[types.ContainerID]bool
	replicas    map[types.ContainerID]map[types.NodeID]*types.ContainerReplica
}

func New(kv store.KV, gw *gateway.Gateway, cfg Config, pm PipelineSource, nm NodeSource, brk *events.Broker) *Manager {
	cfg.setDefaults()
	return &Manager{
		kv:         kv,
		gw:         gw,
		cfg:        cfg,
		pm:         pm,
		nm:         nm,
		brk:        brk,
		containers: make(map[types.ContainerID]*types.ContainerInfo),
		byPipeline: make(map[types.PipelineID]map[types.ContainerID]bool),
		replicas:   make(map[types.ContainerID]map[types.NodeID]*types.ContainerReplica),
	}
}

// Load rebuilds in-memory state from the KV store. The replica index
// is intentionally left empty: it is rebuilt purely from subsequent
// datanode reports, never persisted (§3).
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	containers := make(map[types.ContainerID]*types.ContainerInfo)
	byPipeline := make(map[types.PipelineID]map[types.ContainerID]bool)

	err := m.kv.Range(store.TableContainers, nil, func(key, value []byte) bool {
		var c types.ContainerInfo
		if jsonErr := json.Unmarshal(value, &c); jsonErr != nil {
			log.Logger.Error().Err(jsonErr).Str("key", string(key)).Msg("container: skipping corrupt record")
			return true
		}
		cp := c
		containers[c.ID] = &cp
		if c.State == types.ContainerOpen {
			if byPipeline[c.PipelineID] == nil {
				byPipeline[c.PipelineID] = make(map[types.ContainerID]bool)
			}
			byPipeline[c.PipelineID][c.ID] = true
		}
		return true
	})
	if err != nil {
		return err
	}

	m.containers = containers
	m.byPipeline = byPipeline
	m.replicas = make(map[types.ContainerID]map[types.NodeID]*types.ContainerReplica)
	return nil
}

// --- Read operations ---

func (m *Manager) GetContainer(id types.ContainerID) (*types.ContainerInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, scmerr.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Manager) ListContainers() []*types.ContainerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.ContainerInfo, 0, len(m.containers))
	for _, c := range m.containers {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenContainerCount returns the number of OPEN containers on pipeline.
func (m *Manager) OpenContainerCount(pipeline types.PipelineID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byPipeline[pipeline])
}

// HasOpenContainers reports whether any container that references
// pipeline is in a state other than CLOSED or DELETED — used by the Pipeline
// Manager to defer CLOSED-pipeline removal (§4.5 Destruction).
func (m *Manager) HasOpenContainers(pipeline types.PipelineID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.containers {
		if c.PipelineID == pipeline && c.State != types.ContainerClosed && c.State != types.ContainerDeleted {
			return true
		}
	}
	return false
}

// --- Write operations ---

type allocateArgs struct {
	PipelineID      types.PipelineID
	Owner           string
	ReplicationType types.ReplicationType
	Factor          int
	Now             time.Time
}

// Allocate implements §4.6 allocate(type, factor, owner): acquires an
// OPEN pipeline of matching (type, factor), creating one if none
// exists, then persists a fresh ContainerInfo through the gateway. The
// ContainerId itself is assigned inside apply from a replicated
// monotone counter, never from a local source at the call site (§4.3,
// §9 open question on per-submission vs per-unique-command counters:
// resolved here as per-submission, since the counter lives in the
// same apply path as the allocation it numbers).
func (m *Manager) Allocate(t types.ReplicationType, factor int, owner string) (*types.ContainerInfo, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ContainerAllocateDuration)

	p, ok := m.pm.OpenPipelineFor(t, factor)
	if !ok {
		created, err := m.pm.Create(t, factor)
		if err != nil {
			return nil, err
		}
		p = created
	}

	return m.allocateOn(p.ID, t, factor, owner)
}

func (m *Manager) allocateOn(pipeline types.PipelineID, t types.ReplicationType, factor int, owner string) (*types.ContainerInfo, error) {
	args := allocateArgs{PipelineID: pipeline, Owner: owner, ReplicationType: t, Factor: factor, Now: time.Now().UTC()}
	raw, err := m.gw.Submit(raftlog.TagContainer, "allocate", args)
	if err != nil {
		return nil, err
	}
	var c types.ContainerInfo
	if jsonErr := json.Unmarshal(raw, &c); jsonErr != nil {
		return nil, jsonErr
	}
	return &c, nil
}

// GetMatching implements §4.6 get_matching: an OPEN container on
// pipeline, owned by owner, not in exclude, with at least size bytes
// free. Pre-allocates ahead of the min-containers-per-pipeline target
// when the open count is running low, then falls back to a fresh
// allocation if nothing qualifies.
func (m *Manager) GetMatching(size int64, owner string, pipeline types.PipelineID, exclude map[types.ContainerID]bool) (*types.ContainerInfo, error) {
	threshold := int(math.Ceil(float64(m.cfg.MinContainersPerDN) / float64(m.cfg.MinPipelineCountPerDN)))
	if m.OpenContainerCount(pipeline) < threshold {
		p, err := m.pm.GetPipeline(pipeline)
		if err != nil {
			return nil, err
		}
		if _, err := m.allocateOn(pipeline, p.Type, p.Factor, owner); err != nil {
			return nil, err
		}
	}

	m.mu.RLock()
	var best *types.ContainerInfo
	for id := range m.byPipeline[pipeline] {
		c := m.containers[id]
		if c.Owner != owner || exclude[id] {
			continue
		}
		free := m.cfg.ContainerSizeBytes - c.UsedBytes
		if free < size {
			continue
		}
		if best == nil || c.ID < best.ID {
			best = c
		}
	}
	m.mu.RUnlock()

	if best != nil {
		cp := *best
		return &cp, nil
	}

	p, err := m.pm.GetPipeline(pipeline)
	if err != nil {
		return nil, err
	}
	return m.allocateOn(pipeline, p.Type, p.Factor, owner)
}

type eventArgs struct {
	ID  types.ContainerID
	Now time.Time
}

func (m *Manager) transition(id types.ContainerID, ev Event) error {
	_, err := m.gw.Submit(raftlog.TagContainer, string(ev), eventArgs{ID: id, Now: time.Now().UTC()})
	return err
}

func (m *Manager) Finalize(id types.ContainerID) error   { return m.transition(id, EventFinalize) }
func (m *Manager) QuasiClose(id types.ContainerID) error  { return m.transition(id, EventQuasiClose) }
func (m *Manager) CloseEvt(id types.ContainerID) error    { return m.transition(id, EventClose) }
func (m *Manager) ForceClose(id types.ContainerID) error  { return m.transition(id, EventForceClose) }
func (m *Manager) Delete(id types.ContainerID) error      { return m.transition(id, EventDelete) }
func (m *Manager) Cleanup(id types.ContainerID) error     { return m.transition(id, EventCleanup) }

// CascadeClose is invoked directly from inside the Pipeline Manager's
// own FSM.Apply call (the onLeaveOpen hook) whenever a pipeline leaves
// OPEN: every OPEN container on it is driven through FINALIZE to
// CLOSING, then removed from the pipeline's open-container index
// (§4.6). It applies the transition through applyTransitionLocal
// directly rather than resubmitting through the gateway, since a
// second raft.Apply call from inside the current one would block
// forever waiting on itself. The timestamp comes from the triggering
// pipeline command's own replicated args, so every replica computes an
// identical StateEnteredAt (§4.3).
func (m *Manager) CascadeClose(pipeline types.PipelineID, now time.Time) {
	m.mu.RLock()
	ids := make([]types.ContainerID, 0, len(m.byPipeline[pipeline]))
	for id := range m.byPipeline[pipeline] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.applyTransitionLocal(id, EventFinalize, now); err != nil {
			log.Logger.Warn().Err(err).Uint64("container_id", uint64(id)).
				Msg("container: failed to finalize container on pipeline close")
			continue
		}
		c, err := m.GetContainer(id)
		if err != nil {
			continue
		}
		for _, member := range mustPipelineMembers(m.pm, pipeline) {
			m.nm.AddDatanodeCommand(member, types.DatanodeCommand{Kind: types.CmdCloseContainer, ContainerID: c.ID})
		}
	}
}

func mustPipelineMembers(pm PipelineSource, id types.PipelineID) []types.NodeID {
	p, err := pm.GetPipeline(id)
	if err != nil {
		return nil
	}
	return p.Members
}

// UpdateReplica and RemoveReplica mutate the in-memory replica set
// only; they are never routed through the gateway and are idempotent
// on (ContainerID, NodeID) (§4.6).
func (m *Manager) UpdateReplica(r types.ContainerReplica) {
	m.mu.Lock()
	if m.replicas[r.ContainerID] == nil {
		m.replicas[r.ContainerID] = make(map[types.NodeID]*types.ContainerReplica)
	}
	cp := r
	m.replicas[r.ContainerID][r.NodeID] = &cp
	m.mu.Unlock()

	m.publish(events.EventContainerReplicaReported, "replica reported", r.ContainerID)
}

func (m *Manager) RemoveReplica(id types.ContainerID, node types.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.replicas[id], node)
}

// ReplicaCount returns the number of distinct nodes reporting a
// replica of id, used by the Safe-Mode Controller's replica rule.
func (m *Manager) ReplicaCount(id types.ContainerID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.replicas[id])
}

func (m *Manager) publish(t events.EventType, msg string, id types.ContainerID) {
	if m.brk == nil {
		return
	}
	m.brk.Publish(&events.Event{Type: t, Message: msg, Metadata: map[string]string{"container_id": idStr(id)}})
}

// --- Applier (§4.2/§4.3) ---

func (m *Manager) Apply(method string, data json.RawMessage) (interface{}, error) {
	switch method {
	case "allocate":
		return m.applyAllocate(data)
	case string(EventFinalize), string(EventQuasiClose), string(EventClose), string(EventForceClose), string(EventDelete), string(EventCleanup):
		return nil, m.applyEvent(Event(method), data)
	default:
		return nil, scmerr.ErrInternal
	}
}

func (m *Manager) applyAllocate(data json.RawMessage) (interface{}, error) {
	var args allocateArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, err
	}

	id, err := m.nextID()
	if err != nil {
		return nil, err
	}

	c := &types.ContainerInfo{
		ID: id, PipelineID: args.PipelineID, State: types.ContainerOpen,
		StateEnteredAt: args.Now, Owner: args.Owner,
		ReplicationType: args.ReplicationType, Factor: args.Factor, CreatedAt: args.Now,
	}

	m.mu.Lock()
	m.containers[c.ID] = c
	if m.byPipeline[c.PipelineID] == nil {
		m.byPipeline[c.PipelineID] = make(map[types.ContainerID]bool)
	}
	m.byPipeline[c.PipelineID][c.ID] = true
	m.mu.Unlock()

	if err := m.persist(c); err != nil {
		return nil, err
	}
	log.Logger.Info().Uint64("container_id", uint64(c.ID)).Str("pipeline_id", string(c.PipelineID)).
		Msg("container: allocated")
	m.publish(events.EventContainerAllocated, "container allocated", c.ID)
	return json.Marshal(c)
}

// nextID assigns a fresh ContainerID from the meta table's monotone
// counter, read-modify-write inside the single-threaded apply path so
// every replica derives the identical id for the identical command
// index (§4.3, §9).
func (m *Manager) nextID() (types.ContainerID, error) {
	raw, err := m.kv.Get(store.TableMeta, []byte("container_id_counter"))
	var next uint64
	if err == nil {
		next = decodeUint64(raw) + 1
	} else if err == store.ErrNotFound {
		next = 1
	} else {
		return 0, err
	}
	if err := m.kv.Put(store.TableMeta, []byte("container_id_counter"), encodeUint64(next)); err != nil {
		return 0, err
	}
	return types.ContainerID(next), nil
}

func (m *Manager) applyEvent(ev Event, data json.RawMessage) error {
	var args eventArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return err
	}
	return m.applyTransitionLocal(args.ID, ev, args.Now)
}

// applyTransitionLocal is the container FSM's local apply entry point:
// it mutates in-memory state and persists, with no gateway/raft
// involvement at all. It is called both from applyEvent (unmarshalling
// a command's own committed args) and directly from CascadeClose (a
// different command's apply callback driving it as a side effect), so
// it must stay pure given (id, ev, now) — no clock or random reads.
func (m *Manager) applyTransitionLocal(id types.ContainerID, ev Event, now time.Time) error {
	m.mu.Lock()
	c, ok := m.containers[id]
	if !ok {
		m.mu.Unlock()
		return scmerr.ErrNotFound
	}
	next, ok := Next(c.State, ev)
	if !ok {
		m.mu.Unlock()
		return scmerr.ErrInvalidStateTransition
	}
	if next == c.State {
		m.mu.Unlock()
		return nil // idempotent self-loop, nothing changed
	}

	wasOpen := c.State == types.ContainerOpen
	c.State = next
	c.StateEnteredAt = now
	if wasOpen {
		delete(m.byPipeline[c.PipelineID], c.ID)
	}
	cp := *c
	m.mu.Unlock()

	if err := m.persist(&cp); err != nil {
		return err
	}
	m.publish(eventForState(next), "container transitioned via "+string(ev), cp.ID)
	return nil
}

func eventForState(s types.ContainerState) events.EventType {
	switch s {
	case types.ContainerClosing:
		return events.EventContainerClosing
	case types.ContainerClosed:
		return events.EventContainerClosed
	case types.ContainerDeleted:
		return events.EventContainerDeleted
	default:
		return events.EventContainerClosing
	}
}

func (m *Manager) persist(c *types.ContainerInfo) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return m.kv.Put(store.TableContainers, encodeUint64(uint64(c.ID)), b)
}

func (m *Manager) Snapshot() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.containers {
		if err := m.persist(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Restore() error {
	return m.Load()
}
