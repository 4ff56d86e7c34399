package container

import (
	"encoding/binary"
	"strconv"

	"github.com/cuemby/scm/pkg/types"
)

// encodeUint64 and decodeUint64 give ContainerIDs and the replicated
// id counter a fixed-width big-endian key encoding, matching the
// convention pkg/raftlog/fsm.go uses for its applied-index marker.
func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func idStr(id types.ContainerID) string {
	return strconv.FormatUint(uint64(id), 10)
}
