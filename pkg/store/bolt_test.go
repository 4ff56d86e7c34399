package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltKVPutGetDelete(t *testing.T) {
	kv, err := Open(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	require.NoError(t, kv.Put(TableNodes, []byte("n1"), []byte("alpha")))

	v, err := kv.Get(TableNodes, []byte("n1"))
	require.NoError(t, err)
	require.Equal(t, "alpha", string(v))

	_, err = kv.Get(TableNodes, []byte("missing"))
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Delete(TableNodes, []byte("n1")))
	_, err = kv.Get(TableNodes, []byte("n1"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltKVBatchIsAllOrNothing(t *testing.T) {
	kv, err := Open(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	require.NoError(t, kv.Batch([]Op{
		{Kind: OpPut, Table: TableNodes, Key: []byte("a"), Value: []byte("1")},
		{Kind: OpPut, Table: TableNodes, Key: []byte("b"), Value: []byte("2")},
	}))

	va, err := kv.Get(TableNodes, []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(va))
	vb, err := kv.Get(TableNodes, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, "2", string(vb))
}

func TestBoltKVRangeAscendingAndDescending(t *testing.T) {
	kv, err := Open(t.TempDir())
	require.NoError(t, err)
	defer kv.Close()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, kv.Put(TablePipelines, []byte(k), []byte(k)))
	}

	var forward []string
	require.NoError(t, kv.Range(TablePipelines, nil, func(k, v []byte) bool {
		forward = append(forward, string(k))
		return true
	}))
	require.Equal(t, []string{"a", "b", "c"}, forward)

	var backward []string
	require.NoError(t, kv.ReverseRange(TablePipelines, nil, func(k, v []byte) bool {
		backward = append(backward, string(k))
		return true
	}))
	require.Equal(t, []string{"c", "b", "a"}, backward)
}

func TestBoltKVCheckpointAndRestore(t *testing.T) {
	dataDir := t.TempDir()
	kv, err := Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, kv.Put(TableNodes, []byte("n1"), []byte("alpha")))

	checkpointDir := t.TempDir()
	require.NoError(t, kv.Checkpoint(checkpointDir))
	require.NoError(t, kv.Close())

	restoreDir := t.TempDir()
	require.NoError(t, Restore(restoreDir, checkpointDir))

	restored, err := Open(restoreDir)
	require.NoError(t, err)
	defer restored.Close()

	v, err := restored.Get(TableNodes, []byte("n1"))
	require.NoError(t, err)
	require.Equal(t, "alpha", string(v))
}

func TestVersionFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadVersionFile(dir)
	require.ErrorIs(t, err, ErrNotFound)

	v := &VersionInfo{NodeType: "SCM", ClusterID: "CID-test", SCMID: "scm-1", CTime: 100, LayoutVersion: 1}
	require.NoError(t, WriteVersionFile(dir, v))

	got, err := ReadVersionFile(dir)
	require.NoError(t, err)
	require.Equal(t, v.ClusterID, got.ClusterID)
	require.Equal(t, v.LayoutVersion, got.LayoutVersion)
}

func TestVersionFileAbortsOnCrashedUpgrade(t *testing.T) {
	dir := t.TempDir()
	v := &VersionInfo{NodeType: "SCM", ClusterID: "CID-test", LayoutVersion: 1, UpgradingToLayoutVersion: 2}
	require.NoError(t, WriteVersionFile(dir, v))

	_, err := ReadVersionFile(dir)
	require.ErrorIs(t, err, ErrCorruption)
}
