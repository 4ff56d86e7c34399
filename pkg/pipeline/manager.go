package pipeline

import (
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/scm/pkg/events"
	"github.com/cuemby/scm/pkg/gateway"
	"github.com/cuemby/scm/pkg/log"
	"github.com/cuemby/scm/pkg/metrics"
	"github.com/cuemby/scm/pkg/placement"
	"github.com/cuemby/scm/pkg/raftlog"
	"github.com/cuemby/scm/pkg/scmerr"
	"github.com/cuemby/scm/pkg/store"
	"github.com/cuemby/scm/pkg/types"
	"github.com/google/uuid"
)

// NodeSource is the narrow slice of the Node Manager the Pipeline
// Manager needs: the healthy candidate pool, topology lookups for
// rack-aware placement, and the per-node command mailbox. Declared
// here, not imported from pkg/nodemanager's concrete type, so the two
// packages only share identifiers (§3 Ownership, §9 cyclic graphs).
type NodeSource interface {
	HealthyNodes() []types.NodeID
	LocationOf(id types.NodeID) string
	AddDatanodeCommand(id types.NodeID, cmd types.DatanodeCommand)
}

// Config holds the Pipeline Manager's tunables from the §6
// configuration surface.
type Config struct {
	CreateTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.CreateTimeout == 0 {
		c.CreateTimeout = 30 * time.Second
	}
}

// Manager is the Pipeline Manager (§4.5). It exclusively owns the
// Pipeline map and the same-member-hash index (§3 Ownership).
type Manager struct {
	mu   sync.RWMutex
	kv   store.KV
	gw   *gateway.Gateway
	cfg  Config
	nm   NodeSource
	pol  placement.Policy
	brk  *events.Broker

	pipelines map[types.PipelineID]*types.Pipeline
	byHash    map[string]types.PipelineID // member hash -> ALLOCATED/OPEN/DORMANT pipeline id, per (type,factor)

	pending map[types.PipelineID]*quorumWait

	onLeaveOpen func(types.PipelineID, time.Time)
}

// SetOnLeaveOpen registers the hook invoked (from the apply path,
// after persisting, on every replica) whenever a pipeline transitions
// away from OPEN, so the Container Manager can cascade every OPEN
// container on it through FINALIZE to CLOSING (§4.6). The hook runs
// synchronously on the single-threaded apply goroutine, so it must
// drive the Container Manager's local apply path directly rather than
// resubmitting through the gateway (§4.3), since a second raft.Apply
// from inside this one would deadlock waiting on itself. The time.Time
// argument is the triggering command's own replicated timestamp, so
// every replica derives an identical StateEnteredAt for the cascaded
// containers.
func (m *Manager) SetOnLeaveOpen(fn func(types.PipelineID, time.Time)) {
	m.onLeaveOpen = fn
}

type quorumWait struct {
	mu      sync.Mutex
	need    int
	acked   map[types.NodeID]bool
	done    bool
	doneCh  chan struct{}
}

func New(kv store.KV, gw *gateway.Gateway, cfg Config, nm NodeSource, pol placement.Policy, brk *events.Broker) *Manager {
	cfg.setDefaults()
	return &Manager{
		kv:        kv,
		gw:        gw,
		cfg:       cfg,
		nm:        nm,
		pol:       pol,
		brk:       brk,
		pipelines: make(map[types.PipelineID]*types.Pipeline),
		byHash:    make(map[string]types.PipelineID),
		pending:   make(map[types.PipelineID]*quorumWait),
	}
}

// Load rebuilds in-memory state from the KV store.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pipelines := make(map[types.PipelineID]*types.Pipeline)
	byHash := make(map[string]types.PipelineID)

	err := m.kv.Range(store.TablePipelines, nil, func(key, value []byte) bool {
		var p types.Pipeline
		if jsonErr := json.Unmarshal(value, &p); jsonErr != nil {
			log.Logger.Error().Err(jsonErr).Str("key", string(key)).Msg("pipeline: skipping corrupt record")
			return true
		}
		cp := p
		pipelines[p.ID] = &cp
		if isActive(p.State) {
			byHash[hashKey(p.Type, p.Factor, p.MemberHash)] = p.ID
		}
		return true
	})
	if err != nil {
		return err
	}

	m.pipelines = pipelines
	m.byHash = byHash
	m.pending = make(map[types.PipelineID]*quorumWait)
	return nil
}

func isActive(s types.PipelineState) bool {
	return s == types.PipelineAllocated || s == types.PipelineOpen || s == types.PipelineDormant
}

func hashKey(t types.ReplicationType, factor int, memberHash string) string {
	return string(t) + "/" + strconv.Itoa(factor) + "/" + memberHash
}

// --- Read operations ---

func (m *Manager) GetPipeline(id types.PipelineID) (*types.Pipeline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, scmerr.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Manager) ListPipelines() []*types.Pipeline {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Pipeline, 0, len(m.pipelines))
	for _, p := range m.pipelines {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenPipelineFor returns an arbitrary OPEN pipeline matching
// (type, factor), used by the Container Manager's allocate() step 1.
func (m *Manager) OpenPipelineFor(t types.ReplicationType, factor int) (*types.Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *types.Pipeline
	for _, p := range m.pipelines {
		if p.State == types.PipelineOpen && p.Type == t && p.Factor == factor {
			if best == nil || p.ID < best.ID {
				best = p
			}
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

// --- Write operations (routed through the HA Invocation Gateway) ---

type createArgs struct {
	ID      types.PipelineID
	Type    types.ReplicationType
	Factor  int
	Members []types.NodeID
	Hash    string
	Now     time.Time
}

// Create is the Pipeline Manager's single creation entrypoint (§4.5).
// It builds the exclusion set, asks the placement policy for
// candidates, persists an ALLOCATED pipeline, enqueues CreatePipeline
// commands on every member, then asynchronously waits (bounded by
// create_timeout) for a quorum of pipeline reports before flipping to
// OPEN, all without blocking the caller past the initial persist.
func (m *Manager) Create(t types.ReplicationType, factor int) (*types.Pipeline, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PipelineCreateDuration)

	exclude := m.exclusionSet(t, factor)
	candidates := m.nm.HealthyNodes()

	chosen, err := m.pol(candidates, exclude, factor, 0)
	if err != nil {
		metrics.InsufficientDatanodesTotal.Inc()
		return nil, scmerr.ErrInsufficientDatanodes
	}

	hash := placement.MemberHash(chosen)

	m.mu.RLock()
	if existingID, ok := m.byHash[hashKey(t, factor, hash)]; ok {
		existing := m.pipelines[existingID]
		m.mu.RUnlock()
		cp := *existing
		return &cp, nil
	}
	m.mu.RUnlock()

	id := types.PipelineID(uuid.NewString())
	args := createArgs{ID: id, Type: t, Factor: factor, Members: chosen, Hash: hash, Now: time.Now().UTC()}
	raw, err := m.gw.Submit(raftlog.TagPipeline, "create", args)
	if err != nil {
		return nil, err
	}
	var p types.Pipeline
	if jsonErr := json.Unmarshal(raw, &p); jsonErr != nil {
		return nil, jsonErr
	}

	for _, member := range chosen {
		m.nm.AddDatanodeCommand(member, types.DatanodeCommand{
			Kind: types.CmdCreatePipeline, PipelineID: id, Members: chosen,
		})
	}

	m.awaitQuorum(id, factor)

	cp := p
	return &cp, nil
}

// exclusionSet unions the NodeIDs of every ALLOCATED/OPEN/DORMANT
// pipeline of this (type, factor), so a single node cannot end up in
// an unbounded number of concurrently open pipelines (§4.5 step 1).
func (m *Manager) exclusionSet(t types.ReplicationType, factor int) map[types.NodeID]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	excl := make(map[types.NodeID]bool)
	for _, p := range m.pipelines {
		if p.Type != t || p.Factor != factor || !isActive(p.State) {
			continue
		}
		for _, n := range p.Members {
			excl[n] = true
		}
	}
	return excl
}

// awaitQuorum blocks (in its own goroutine) up to create_timeout for
// a quorum of member acknowledgements, then flips the pipeline to OPEN
// or, on timeout, to CLOSED with close commands enqueued (§4.5 step 5,
// §5 cancellation).
func (m *Manager) awaitQuorum(id types.PipelineID, factor int) {
	need := factor/2 + 1
	w := &quorumWait{need: need, acked: make(map[types.NodeID]bool), doneCh: make(chan struct{})}

	m.mu.Lock()
	m.pending[id] = w
	m.mu.Unlock()

	go func() {
		select {
		case <-w.doneCh:
			m.openAfterQuorum(id)
		case <-time.After(m.cfg.CreateTimeout):
			m.closeAfterTimeout(id)
		}
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()
}

// ReportPipeline records a member's acknowledgement of a newly created
// pipeline. Once a quorum has acked, the pending awaitQuorum goroutine
// is released immediately rather than waiting out the full timeout.
func (m *Manager) ReportPipeline(nodeID types.NodeID, report types.PipelineReport) {
	if !report.Accepted {
		return
	}
	m.mu.RLock()
	w, ok := m.pending[report.PipelineID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.acked[nodeID] = true
	if len(w.acked) >= w.need {
		w.done = true
		close(w.doneCh)
	}
}

func (m *Manager) openAfterQuorum(id types.PipelineID) {
	_, err := m.gw.Submit(raftlog.TagPipeline, "open", transitionArgs{ID: id, Now: time.Now().UTC()})
	if err != nil {
		log.Logger.Warn().Err(err).Str("pipeline_id", string(id)).Msg("pipeline: failed to open after quorum")
		return
	}
	m.publish(events.EventPipelineOpened, "pipeline reached member quorum", id)
}

func (m *Manager) closeAfterTimeout(id types.PipelineID) {
	p, err := m.GetPipeline(id)
	if err != nil || p.State != types.PipelineAllocated {
		return // already opened, or raced with an explicit close
	}
	m.closeInternal(id, "pipeline create_timeout exceeded waiting for member quorum")
}

// Close destroys a pipeline: enqueues ClosePipeline on every member and
// persists CLOSED. Removal from the store is deferred until the
// Container Manager confirms no OPEN container still references it
// (§4.5 Destruction).
func (m *Manager) Close(id types.PipelineID) error {
	return m.closeInternal(id, "pipeline closed by explicit request")
}

func (m *Manager) closeInternal(id types.PipelineID, reason string) error {
	_, err := m.gw.Submit(raftlog.TagPipeline, "close", transitionArgs{ID: id, Now: time.Now().UTC()})
	if err != nil {
		return err
	}

	p, err := m.GetPipeline(id)
	if err != nil {
		return err
	}
	for _, member := range p.Members {
		m.nm.AddDatanodeCommand(member, types.DatanodeCommand{Kind: types.CmdClosePipeline, PipelineID: id})
	}
	log.Logger.Info().Str("pipeline_id", string(id)).Str("reason", reason).Msg("pipeline: closed")
	m.publish(events.EventPipelineClosed, reason, id)
	return nil
}

// MarkDormant transitions OPEN -> DORMANT on transient member
// unavailability (§4.5).
func (m *Manager) MarkDormant(id types.PipelineID) error {
	_, err := m.gw.Submit(raftlog.TagPipeline, "dormant", transitionArgs{ID: id, Now: time.Now().UTC()})
	if err == nil {
		m.publish(events.EventPipelineDormant, "pipeline marked dormant", id)
	}
	return err
}

// Reactivate transitions DORMANT -> OPEN on recovery (§4.5).
func (m *Manager) Reactivate(id types.PipelineID) error {
	_, err := m.gw.Submit(raftlog.TagPipeline, "reactivate", transitionArgs{ID: id, Now: time.Now().UTC()})
	return err
}

// TryRemove deletes a CLOSED pipeline from the store once the
// Container Manager confirms it has no containers left referencing
// it (§4.5 Destruction: "removal is deferred until...").
func (m *Manager) TryRemove(id types.PipelineID, hasContainers func(types.PipelineID) bool) error {
	p, err := m.GetPipeline(id)
	if err != nil {
		return err
	}
	if p.State != types.PipelineClosed {
		return nil
	}
	if hasContainers(id) {
		return nil
	}
	_, err = m.gw.Submit(raftlog.TagPipeline, "remove", struct{ ID types.PipelineID }{id})
	return err
}

// CloseAllFor marks for closure every non-CLOSED pipeline containing
// node (§4.4: "On DEAD transition, all pipelines containing that node
// are marked for closure").
func (m *Manager) CloseAllFor(node types.NodeID) {
	m.mu.RLock()
	var ids []types.PipelineID
	for _, p := range m.pipelines {
		if p.State == types.PipelineClosed {
			continue
		}
		for _, member := range p.Members {
			if member == node {
				ids = append(ids, p.ID)
				break
			}
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Close(id); err != nil {
			log.Logger.Warn().Err(err).Str("pipeline_id", string(id)).Str("node_id", string(node)).
				Msg("pipeline: failed to close pipeline for dead node")
		}
	}
}

func (m *Manager) publish(t events.EventType, msg string, id types.PipelineID) {
	if m.brk == nil {
		return
	}
	m.brk.Publish(&events.Event{Type: t, Message: msg, Metadata: map[string]string{"pipeline_id": string(id)}})
}

// --- Applier (§4.2/§4.3) ---

func (m *Manager) Apply(method string, data json.RawMessage) (interface{}, error) {
	switch method {
	case "create":
		return m.applyCreate(data)
	case "open":
		return nil, m.applyTransition(data, types.PipelineOpen, []types.PipelineState{types.PipelineAllocated})
	case "close":
		return nil, m.applyTransition(data, types.PipelineClosed, nil) // any -> CLOSED
	case "dormant":
		return nil, m.applyTransition(data, types.PipelineDormant, []types.PipelineState{types.PipelineOpen})
	case "reactivate":
		return nil, m.applyTransition(data, types.PipelineOpen, []types.PipelineState{types.PipelineDormant})
	case "remove":
		return nil, m.applyRemove(data)
	default:
		return nil, scmerr.ErrInternal
	}
}

func (m *Manager) applyCreate(data json.RawMessage) (interface{}, error) {
	var args createArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.pipelines[args.ID]; ok {
		m.mu.Unlock()
		return json.Marshal(existing)
	}

	p := &types.Pipeline{
		ID: args.ID, Type: args.Type, Factor: args.Factor, Members: args.Members,
		State: types.PipelineAllocated, MemberHash: args.Hash, CreatedAt: args.Now,
	}
	m.pipelines[p.ID] = p
	m.byHash[hashKey(p.Type, p.Factor, p.MemberHash)] = p.ID
	m.mu.Unlock()

	if err := m.persist(p); err != nil {
		return nil, err
	}
	log.Logger.Info().Str("pipeline_id", string(p.ID)).Strs("members", membersToStrings(p.Members)).
		Msg("pipeline: allocated")
	m.publish(events.EventPipelineAllocated, "pipeline allocated", p.ID)
	return json.Marshal(p)
}

func membersToStrings(ids []types.NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

// transitionArgs is the args shape for every pipeline state-transition
// command ("open"/"close"/"dormant"/"reactivate"). Now is stamped once
// at the call site and carried through the replicated log entry, so
// applyTransition never reads the clock itself; every replica (and the
// onLeaveOpen cascade it triggers) derives an identical timestamp from
// the same committed command (§4.3).
type transitionArgs struct {
	ID  types.PipelineID
	Now time.Time
}

// applyTransition moves a pipeline to `to` if it's currently in one of
// `from` (nil means "any current state is acceptable"). Matches the
// FSM in §4.5; an unlisted current state is silently ignored rather
// than erroring, since pipeline transitions race with the sweeper and
// the create-timeout goroutine and must tolerate replay.
func (m *Manager) applyTransition(data json.RawMessage, to types.PipelineState, from []types.PipelineState) error {
	var args transitionArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return err
	}

	m.mu.Lock()
	p, ok := m.pipelines[args.ID]
	if !ok {
		m.mu.Unlock()
		return scmerr.ErrNotFound
	}
	if p.State == to {
		m.mu.Unlock()
		return nil
	}
	if from != nil {
		allowed := false
		for _, s := range from {
			if p.State == s {
				allowed = true
				break
			}
		}
		if !allowed {
			m.mu.Unlock()
			return nil
		}
	}
	oldHash := hashKey(p.Type, p.Factor, p.MemberHash)
	wasOpen := p.State == types.PipelineOpen
	p.State = to
	if !isActive(to) {
		delete(m.byHash, oldHash)
	}
	cp := *p
	m.mu.Unlock()

	if err := m.persist(&cp); err != nil {
		return err
	}
	if wasOpen && to != types.PipelineOpen && m.onLeaveOpen != nil {
		m.onLeaveOpen(cp.ID, args.Now)
	}
	return nil
}

func (m *Manager) applyRemove(data json.RawMessage) error {
	var args struct{ ID types.PipelineID }
	if err := json.Unmarshal(data, &args); err != nil {
		return err
	}

	m.mu.Lock()
	p, ok := m.pipelines[args.ID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.pipelines, args.ID)
	delete(m.byHash, hashKey(p.Type, p.Factor, p.MemberHash))
	m.mu.Unlock()

	return m.kv.Delete(store.TablePipelines, []byte(args.ID))
}

func (m *Manager) persist(p *types.Pipeline) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return m.kv.Put(store.TablePipelines, []byte(p.ID), b)
}

func (m *Manager) Snapshot() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.pipelines {
		if err := m.persist(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) Restore() error {
	return m.Load()
}
