package raftlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/cuemby/scm/pkg/log"
	"github.com/cuemby/scm/pkg/metrics"
	"github.com/cuemby/scm/pkg/scmerr"
	"github.com/cuemby/scm/pkg/store"
	"github.com/hashicorp/raft"
)

// FSM implements raft.FSM. It holds no domain state itself; it only
// dispatches committed commands to the Applier registered for their
// Tag, then records the applied index in the meta table so a restart
// knows where to resume.
type FSM struct {
	mu       sync.RWMutex
	kv       store.KV
	appliers map[Tag]Applier
}

// NewFSM constructs an FSM over kv with the given tag->Applier
// bindings. All three state managers (node, pipeline, container) are
// registered before the raft instance starts so that replayed log
// entries on startup always have somewhere to go.
func NewFSM(kv store.KV, appliers map[Tag]Applier) *FSM {
	return &FSM{kv: kv, appliers: appliers}
}

// Apply is raft's single-threaded, strictly-ordered callback. It is
// invoked after a majority has committed the entry, on every replica
// including the leader.
func (f *FSM) Apply(l *raft.Log) interface{} {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RaftApplyDuration)

	f.mu.Lock()
	defer f.mu.Unlock()

	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.Logger.Error().Err(err).Msg("raftlog: corrupt command in log, refusing to apply")
		return fmt.Errorf("%w: unmarshal command: %v", scmerr.ErrMetadata, err)
	}

	applier, ok := f.appliers[cmd.Tag]
	if !ok {
		return fmt.Errorf("%w: no applier registered for tag %q", scmerr.ErrInternal, cmd.Tag)
	}

	reply, err := applier.Apply(cmd.Method, cmd.Data)
	if err != nil && scmerr.Fatal(err) {
		log.Logger.Fatal().Err(err).Str("tag", string(cmd.Tag)).Str("method", cmd.Method).
			Msg("raftlog: fatal error applying command, terminating so this replica restarts from the log")
	}

	if err := f.recordAppliedIndex(l.Index); err != nil {
		log.Logger.Error().Err(err).Msg("raftlog: failed to persist applied index")
	}

	if err != nil {
		return err
	}
	return reply
}

func (f *FSM) recordAppliedIndex(index uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, index)
	return f.kv.Put(store.TableMeta, []byte(store.MetaLastAppliedKey), buf)
}

// LastAppliedIndex returns the last index this FSM recorded, or 0 if
// none has been applied yet.
func (f *FSM) LastAppliedIndex() uint64 {
	v, err := f.kv.Get(store.TableMeta, []byte(store.MetaLastAppliedKey))
	if err != nil || len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// Snapshot implements raft.FSM. take_snapshot (§4.2): ask every
// registered state manager to flush its in-memory state to the KV
// store, then hand back an fsmSnapshot that checkpoints the store.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for tag, applier := range f.appliers {
		if err := applier.Snapshot(); err != nil {
			return nil, fmt.Errorf("flushing %s state before snapshot: %w", tag, err)
		}
	}
	return &fsmSnapshot{kv: f.kv}, nil
}

// Restore implements raft.FSM. install_snapshot (§4.2): writes the
// byte stream raft hands us into this replica's data directory,
// replacing the KV store file, then rebuilds every state manager's
// in-memory indexes from it. The process must be restarted for the
// swapped file to take effect, since bbolt cannot hot-swap the file
// backing an already-open database; the caller (pkg/raftlog.Log)
// arranges that restart.
func (f *FSM) Restore(rc io.ReadCloser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer rc.Close()

	if err := store.RestoreFromReader(f.kv.Path(), rc); err != nil {
		return fmt.Errorf("%w: installing snapshot: %v", scmerr.ErrMetadata, err)
	}

	for tag, applier := range f.appliers {
		if err := applier.Restore(); err != nil {
			return fmt.Errorf("restoring %s state from snapshot: %w", tag, err)
		}
	}
	return nil
}

// fsmSnapshot implements raft.FSMSnapshot over the KV store's own byte
// stream: Persist writes it to the sink raft hands us, Release is a
// no-op because the stream is self-contained.
type fsmSnapshot struct {
	kv store.KV
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := s.kv.WriteTo(sink); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
