package nodemanager

import (
	"encoding/json"
	"sort"
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
)

// Config holds the Node Manager's tunables from the §6 configuration
// surface.
type Config struct {
	ClusterID               string
	SCMID                   string
	StaleAfter              time.Duration
	DeadAfter               time.Duration
	PipelinesPerMetadataVol int
	PipelineLimitOverride   int // 0 means "use PipelinesPerMetadataVol instead"
	MailboxDepth            int
	SweepInterval           time.Duration
	DeadNodeGracePeriod     time.Duration
}

func (c *Config) setDefaults() {
	if c.SweepInterval == 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = 30 * time.Second
	}
	if c.DeadAfter == 0 {
		c.DeadAfter = 120 * time.Second
	}
	if c.DeadNodeGracePeriod == 0 {
		c.DeadNodeGracePeriod = 24 * time.Hour
	}
}

// Manager is the Node Manager (§4.4). It exclusively owns the NodeInfo
// map and the ip/host indexes (§3 Ownership).
type Manager struct {
	mu  sync.RWMutex
	kv  store.KV
	gw  *gateway.Gateway
	cfg Config
	rsv *placement.DnsToSwitch
	brk *events.Broker

	nodes     map[types.NodeID]*types.NodeInfo
	ipIndex   map[string]types.NodeID
	hostIndex map[string]types.NodeID
	mailboxes map[types.NodeID]*mailbox

	onNodeDead func(types.NodeID)
	stopCh     chan struct{}
}

func New(kv store.KV, gw *gateway.Gateway, cfg Config, resolver *placement.DnsToSwitch, brk *events.Broker) *Manager {
	cfg.setDefaults()
	return &Manager{
		kv:        kv,
		gw:        gw,
		cfg:       cfg,
		rsv:       resolver,
		brk:       brk,
		nodes:     make(map[types.NodeID]*types.NodeInfo),
		ipIndex:   make(map[string]types.NodeID),
		hostIndex: make(map[string]types.NodeID),
		mailboxes: make(map[types.NodeID]*mailbox),
		stopCh:    make(chan struct{}),
	}
}

// SetOnNodeDead registers the hook invoked (on the leader only, from
// the sweeper) when a node transitions to DEAD, so the Pipeline
// Manager can mark its pipelines for closure (§4.4).
func (m *Manager) SetOnNodeDead(fn func(types.NodeID)) {
	m.onNodeDead = fn
}

// Load rebuilds the in-memory node map and indexes from the KV store.
// Called once at startup and again after install_snapshot swaps the
// store out from under a lagging replica.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nodes := make(map[types.NodeID]*types.NodeInfo)
	ipIndex := make(map[string]types.NodeID)
	hostIndex := make(map[string]types.NodeID)

	err := m.kv.Range(store.TableNodes, nil, func(key, value []byte) bool {
		var n types.NodeInfo
		if jsonErr := json.Unmarshal(value, &n); jsonErr != nil {
			log.Logger.Error().Err(jsonErr).Str("key", string(key)).Msg("nodemanager: skipping corrupt node record")
			return true
		}
		cp := n
		nodes[n.ID] = &cp
		ipIndex[n.IP] = n.ID
		hostIndex[n.Hostname] = n.ID
		return true
	})
	if err != nil {
		return err
	}

	m.nodes = nodes
	m.ipIndex = ipIndex
	m.hostIndex = hostIndex
	m.mailboxes = make(map[types.NodeID]*mailbox)
	return nil
}

// --- Read operations (§4.3: bypass the log entirely) ---

// GetVersion has no side effect.
func (m *Manager) GetVersion() (clusterID, scmID string) {
	return m.cfg.ClusterID, m.cfg.SCMID
}

func (m *Manager) GetNode(id types.NodeID) (*types.NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, scmerr.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *Manager) NodeByHost(hostname string) (*types.NodeInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.hostIndex[hostname]
	if !ok {
		return nil, scmerr.ErrNotFound
	}
	cp := *m.nodes[id]
	return &cp, nil
}

func (m *Manager) ListNodes() []*types.NodeInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.NodeInfo, 0, len(m.nodes))
	for _, n := range m.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HealthyNodes returns the NodeIDs currently HEALTHY, the candidate
// pool the Pipeline Manager's placement policy draws from.
func (m *Manager) HealthyNodes() []types.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.NodeID
	for id, n := range m.nodes {
		if n.Health == types.NodeHealthy {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *Manager) LocationOf(id types.NodeID) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n, ok := m.nodes[id]; ok {
		return n.Location
	}
	return ""
}

// MinHealthyVolumeNum returns the minimum healthy-volume count across
// all known nodes (§4.4 statistics input to the pipeline provider).
func MinHealthyVolumeNum(nodes []*types.NodeInfo) int {
	min := -1
	for _, n := range nodes {
		if min == -1 || n.HealthyVolumeCount < min {
			min = n.HealthyVolumeCount
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// PipelineLimit returns the pipeline-count limit for a single node:
// the cluster-wide override if set, else
// pipelines_per_metadata_volume * metadata_volume_count, when the node
// has at least one healthy data volume.
func (m *Manager) PipelineLimit(n *types.NodeInfo) int {
	if m.cfg.PipelineLimitOverride > 0 {
		return m.cfg.PipelineLimitOverride
	}
	if n.HealthyVolumeCount == 0 {
		return 0
	}
	return m.cfg.PipelinesPerMetadataVol * n.MetadataVolumeCount
}

// MinPipelineLimit returns the smallest per-node pipeline limit across
// a candidate set, used by the Pipeline Manager to decide whether a
// placement batch is even feasible.
func (m *Manager) MinPipelineLimit(nodes []*types.NodeInfo) int {
	min := -1
	for _, n := range nodes {
		limit := m.PipelineLimit(n)
		if min == -1 || limit < min {
			min = limit
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// --- Write operations (§4.3: routed through the HA Invocation Gateway) ---

type registerArgs struct {
	NodeID         types.NodeID
	Hostname       string
	IP             string
	Port           int
	Location       string
	Report         types.NodeReport
	PipelineReport *types.PipelineReport
	Now            time.Time
}

// RegisterResult is returned to the datanode on successful registration.
type RegisterResult struct {
	Success           bool
	AssignedClusterID string
}

// Register persists a new NodeInfo through the gateway (or returns the
// idempotent success reply if already registered). Topology location
// is resolved here, at the call site, before submission, so that the
// apply-side handler never calls the resolver itself (apply must be a
// pure function of its payload, per §4.3).
func (m *Manager) Register(id types.NodeID, hostname, ip string, port int, report types.NodeReport, pr *types.PipelineReport) (*RegisterResult, error) {
	m.mu.RLock()
	_, exists := m.nodes[id]
	m.mu.RUnlock()
	if exists {
		return &RegisterResult{Success: true, AssignedClusterID: m.cfg.ClusterID}, nil
	}

	location := m.cfg.ClusterID // fallback, overwritten below
	if m.rsv != nil {
		location = m.rsv.Resolve(hostname, ip)
	}

	args := registerArgs{
		NodeID: id, Hostname: hostname, IP: ip, Port: port, Location: location,
		Report: report, PipelineReport: pr, Now: time.Now().UTC(),
	}
	raw, err := m.gw.Submit(raftlog.TagNode, "register", args)
	if err != nil {
		return nil, err
	}
	var res RegisterResult
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &res)
	}
	return &res, nil
}

type heartbeatArgs struct {
	NodeID types.NodeID
	Now    time.Time
}

// ProcessHeartbeat touches last-heartbeat and drains the node's
// pending command mailbox (§4.4).
func (m *Manager) ProcessHeartbeat(id types.NodeID) ([]types.DatanodeCommand, error) {
	args := heartbeatArgs{NodeID: id, Now: time.Now().UTC()}
	raw, err := m.gw.Submit(raftlog.TagNode, "heartbeat", args)
	if err != nil {
		return nil, err
	}
	var cmds []types.DatanodeCommand
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &cmds)
	}

	// Mailbox drain is leader-local runtime state, never replicated
	// (see mailbox.go), so it happens here rather than in apply.
	m.mu.Lock()
	if box, ok := m.mailboxes[id]; ok {
		cmds = append(cmds, box.drain()...)
	}
	m.mu.Unlock()
	return cmds, nil
}

type nodeReportArgs struct {
	NodeID types.NodeID
	Report types.NodeReport
}

// ProcessNodeReport updates storage/metadata-volume counts. Reports
// from unknown nodes are discarded with a warning (§4.4).
func (m *Manager) ProcessNodeReport(id types.NodeID, report types.NodeReport) error {
	_, err := m.gw.Submit(raftlog.TagNode, "node_report", nodeReportArgs{NodeID: id, Report: report})
	return err
}

// AddDatanodeCommand enqueues cmd on id's mailbox. Per §4.4, this is a
// leader-only, non-replicated operation: only the current leader may
// enqueue. A follower drops the command (mailboxes are leader-local
// runtime state, rebuilt empty on failover, per pkg/nodemanager's
// mailbox design note).
func (m *Manager) AddDatanodeCommand(id types.NodeID, cmd types.DatanodeCommand) {
	if !m.gw.IsLeader() {
		log.Logger.Debug().Str("node_id", string(id)).Msg("nodemanager: dropping command, not leader")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; !ok {
		return
	}
	box, ok := m.mailboxes[id]
	if !ok {
		box = newMailbox(m.cfg.MailboxDepth)
		m.mailboxes[id] = box
	}
	box.enqueue(cmd)
}

// MarkDecommissioning transitions a node out of the healthy pool ahead
// of planned maintenance.
func (m *Manager) MarkDecommissioning(id types.NodeID) error {
	_, err := m.gw.Submit(raftlog.TagNode, "decommission", struct{ NodeID types.NodeID }{id})
	return err
}

// --- Applier (§4.2/§4.3): invoked only from the single-threaded raft
// apply callback, in log order. Must never read the system clock or a
// random source; any such value is already in data, stamped at Submit
// time by the call-site methods above.

func (m *Manager) Apply(method string, data json.RawMessage) (interface{}, error) {
	switch method {
	case "register":
		return m.applyRegister(data)
	case "heartbeat":
		return m.applyHeartbeat(data)
	case "node_report":
		return nil, m.applyNodeReport(data)
	case "decommission":
		return nil, m.applyDecommission(data)
	case "mark_stale":
		return nil, m.applyHealthTransition(data, types.NodeStale)
	case "mark_dead":
		return nil, m.applyHealthTransition(data, types.NodeDead)
	case "remove_node":
		return nil, m.applyRemoveNode(data)
	default:
		return nil, scmerr.ErrInternal
	}
}

func (m *Manager) applyRegister(data json.RawMessage) (interface{}, error) {
	var args registerArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.nodes[args.NodeID]; exists {
		m.mu.Unlock()
		return json.Marshal(RegisterResult{Success: true, AssignedClusterID: m.cfg.ClusterID})
	}

	n := &types.NodeInfo{
		ID:                  args.NodeID,
		Hostname:            args.Hostname,
		IP:                  args.IP,
		Port:                args.Port,
		Location:            args.Location,
		LastHeartbeat:       args.Now,
		Health:              types.NodeHealthy,
		StorageVolume:       args.Report.StorageVolume,
		MetadataVolumeCount: args.Report.MetadataVolumeCount,
		HealthyVolumeCount:  args.Report.HealthyVolumeCount,
		CreatedAt:           args.Now,
	}
	m.nodes[n.ID] = n
	m.ipIndex[n.IP] = n.ID
	m.hostIndex[n.Hostname] = n.ID
	m.mu.Unlock()

	if err := m.persist(n); err != nil {
		return nil, err
	}

	log.Logger.Info().Str("node_id", string(n.ID)).Str("hostname", n.Hostname).
		Str("location", n.Location).Msg("nodemanager: registered node")
	m.publish(events.EventNodeRegistered, "node registered", n.ID)

	return json.Marshal(RegisterResult{Success: true, AssignedClusterID: m.cfg.ClusterID})
}

func (m *Manager) applyHeartbeat(data json.RawMessage) (interface{}, error) {
	var args heartbeatArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, err
	}

	m.mu.Lock()
	n, ok := m.nodes[args.NodeID]
	if !ok {
		m.mu.Unlock()
		log.Logger.Warn().Str("node_id", string(args.NodeID)).Msg("nodemanager: heartbeat from unknown node")
		return nil, scmerr.ErrNotFound
	}
	n.LastHeartbeat = args.Now
	if n.Health == types.NodeStale || n.Health == types.NodeDead {
		n.Health = types.NodeHealthy
	}
	cp := *n
	m.mu.Unlock()

	if err := m.persist(&cp); err != nil {
		return nil, err
	}
	// Mailbox drain happens in ProcessHeartbeat, not here: the mailbox
	// is leader-local runtime state, never part of the replicated
	// command (§5).
	return json.Marshal([]types.DatanodeCommand{})
}

func (m *Manager) applyNodeReport(data json.RawMessage) error {
	var args nodeReportArgs
	if err := json.Unmarshal(data, &args); err != nil {
		return err
	}

	m.mu.Lock()
	n, ok := m.nodes[args.NodeID]
	if !ok {
		m.mu.Unlock()
		log.Logger.Warn().Str("node_id", string(args.NodeID)).Msg("nodemanager: report from unknown node, discarding")
		return nil
	}
	n.StorageVolume = args.Report.StorageVolume
	n.MetadataVolumeCount = args.Report.MetadataVolumeCount
	n.HealthyVolumeCount = args.Report.HealthyVolumeCount
	cp := *n
	m.mu.Unlock()

	return m.persist(&cp)
}

func (m *Manager) applyDecommission(data json.RawMessage) error {
	var args struct{ NodeID types.NodeID }
	if err := json.Unmarshal(data, &args); err != nil {
		return err
	}

	m.mu.Lock()
	n, ok := m.nodes[args.NodeID]
	if !ok {
		m.mu.Unlock()
		return scmerr.ErrNotFound
	}
	n.Health = types.NodeDecommissioning
	cp := *n
	m.mu.Unlock()

	return m.persist(&cp)
}

// applyHealthTransition moves a node to STALE or DEAD. It is a no-op
// if the node has already advanced past the target state (e.g. a
// queued mark_stale landing after the node already went DEAD), since
// the health FSM only moves forward under sweeper-driven transitions.
func (m *Manager) applyHealthTransition(data json.RawMessage, to types.NodeHealth) error {
	var args struct{ NodeID types.NodeID }
	if err := json.Unmarshal(data, &args); err != nil {
		return err
	}

	m.mu.Lock()
	n, ok := m.nodes[args.NodeID]
	if !ok {
		m.mu.Unlock()
		return scmerr.ErrNotFound
	}
	if to == types.NodeStale && n.Health != types.NodeHealthy {
		m.mu.Unlock()
		return nil
	}
	if to == types.NodeDead && n.Health == types.NodeDead {
		m.mu.Unlock()
		return nil
	}
	n.Health = to
	cp := *n
	m.mu.Unlock()

	return m.persist(&cp)
}

// applyRemoveNode deletes a node once it has spent DeadNodeGracePeriod
// in DEAD state (§3: "removed only after passing through DEAD and a
// configurable grace period").
func (m *Manager) applyRemoveNode(data json.RawMessage) error {
	var args struct{ NodeID types.NodeID }
	if err := json.Unmarshal(data, &args); err != nil {
		return err
	}

	m.mu.Lock()
	n, ok := m.nodes[args.NodeID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	if n.Health != types.NodeDead {
		m.mu.Unlock()
		return nil
	}
	delete(m.nodes, args.NodeID)
	delete(m.ipIndex, n.IP)
	delete(m.hostIndex, n.Hostname)
	delete(m.mailboxes, args.NodeID)
	m.mu.Unlock()

	return m.kv.Delete(store.TableNodes, []byte(args.NodeID))
}

// persist writes n to the `nodes` table. Called from the apply path
// only, so concurrent readers never observe a torn write (§4.1: Put is
// atomic to readers on this process).
func (m *Manager) persist(n *types.NodeInfo) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := m.kv.Put(store.TableNodes, []byte(n.ID), b); err != nil {
		return err
	}
	return nil
}

// Snapshot flushes every in-memory node to the KV store ahead of
// take_snapshot's checkpoint (§4.2). Incremental applies already
// persist each mutation, so this is a defensive re-flush rather than
// the sole durability path.
func (m *Manager) Snapshot() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if err := m.persist(n); err != nil {
			return err
		}
	}
	return nil
}

// Restore rebuilds in-memory state from the KV store after
// install_snapshot atomically swaps it in.
func (m *Manager) Restore() error {
	return m.Load()
}

// --- Sweeper (§4.4, §5): the node-health FSM driver ---

// StartSweeper launches the background health sweeper. It is cancelled
// only by process shutdown (§5), never mid-tick.
func (m *Manager) StartSweeper() {
	go m.sweepLoop()
}

func (m *Manager) StopSweeper() {
	close(m.stopCh)
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCh:
			return
		}
	}
}

// sweep compares now-last_heartbeat to STALE_AFTER/DEAD_AFTER for
// every node and advances the health FSM. Only the leader's sweep
// submits transitions through the gateway; followers observe the same
// transitions once they apply the leader's submitted commands, so a
// follower's local sweep is a no-op beyond metrics.
func (m *Manager) sweep() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.NodeSweepDuration)

	if !m.gw.IsLeader() {
		return
	}

	now := time.Now().UTC()
	m.mu.RLock()
	var toStale, toDead, toRemove []types.NodeID
	for id, n := range m.nodes {
		age := now.Sub(n.LastHeartbeat)
		switch n.Health {
		case types.NodeDead:
			if age > m.cfg.DeadAfter+m.cfg.DeadNodeGracePeriod {
				toRemove = append(toRemove, id)
			}
		case types.NodeHealthy:
			if age > m.cfg.DeadAfter {
				toDead = append(toDead, id)
			} else if age > m.cfg.StaleAfter {
				toStale = append(toStale, id)
			}
		case types.NodeStale:
			if age > m.cfg.DeadAfter {
				toDead = append(toDead, id)
			}
		}
	}
	m.mu.RUnlock()

	for _, id := range toStale {
		if _, err := m.gw.Submit(raftlog.TagNode, "mark_stale", struct{ NodeID types.NodeID }{id}); err != nil {
			log.Logger.Warn().Err(err).Str("node_id", string(id)).Msg("nodemanager: failed to mark node stale")
			continue
		}
		m.publish(events.EventNodeStale, "node missed heartbeats past stale_after", id)
	}
	for _, id := range toDead {
		if _, err := m.gw.Submit(raftlog.TagNode, "mark_dead", struct{ NodeID types.NodeID }{id}); err != nil {
			log.Logger.Warn().Err(err).Str("node_id", string(id)).Msg("nodemanager: failed to mark node dead")
			continue
		}
		m.publish(events.EventNodeDead, "node missed heartbeats past dead_after", id)
		if m.onNodeDead != nil {
			m.onNodeDead(id)
		}
	}
	for _, id := range toRemove {
		if _, err := m.gw.Submit(raftlog.TagNode, "remove_node", struct{ NodeID types.NodeID }{id}); err != nil {
			log.Logger.Warn().Err(err).Str("node_id", string(id)).Msg("nodemanager: failed to remove dead node past grace period")
		}
	}
}

func (m *Manager) publish(t events.EventType, msg string, id types.NodeID) {
	if m.brk == nil {
		return
	}
	m.brk.Publish(&events.Event{Type: t, Message: msg, Metadata: map[string]string{"node_id": string(id)}})
}

// --- metrics ---

func (m *Manager) ObserveMetrics() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := map[types.NodeHealth]int{}
	for _, n := range m.nodes {
		counts[n.Health]++
	}
	for _, h := range []types.NodeHealth{types.NodeHealthy, types.NodeStale, types.NodeDead, types.NodeDecommissioning, types.NodeDecommissioned} {
		metrics.NodesTotal.WithLabelValues(string(h)).Set(float64(counts[h]))
	}
}
