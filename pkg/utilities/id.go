package utilities

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// IDFunc produces a new opaque, globally unique identifier.
type IDFunc func() string

// NewKSUID generates a new globally unique KSUID string.
func NewKSUID() string {
	return ksuid.New().String()
}

var (
	nodesMu sync.Mutex
	nodes   = map[int64]*snowflake.Node{}
)

// NewSnowflakeID generates a snowflake ID string using a node ID from
// the environment variable SNOWFLAKE_NODE (default 1).
func NewSnowflakeID() string {
	return NewSnowflakeIDWithNode(snowflakeNodeFromEnv())
}

// NewSnowflakeIDWithNode generates a snowflake ID string using the provided node ID.
// Nodes are reused across calls so IDs from the same node never collide.
// If the node cannot be initialized, it falls back to a KSUID string.
func NewSnowflakeIDWithNode(nodeID int64) string {
	nodesMu.Lock()
	defer nodesMu.Unlock()
	node, ok := nodes[nodeID]
	if !ok {
		n, err := snowflake.NewNode(nodeID)
		if err != nil {
			return NewKSUID()
		}
		node = n
		nodes[nodeID] = node
	}
	return node.Generate().String()
}

func snowflakeNodeFromEnv() int64 {
	nodeEnv := os.Getenv("SNOWFLAKE_NODE")
	if nodeEnv == "" {
		return 1
	}
	nodeID, err := strconv.ParseInt(nodeEnv, 10, 64)
	if err != nil {
		return 1
	}
	return nodeID
}

// IDFuncFromEnv selects the generator named by ID_STRATEGY ("ksuid" or "snowflake").
func IDFuncFromEnv() IDFunc {
	return IDFuncFor(os.Getenv("ID_STRATEGY"))
}

// IDFuncFor maps a strategy name to a generator; unknown names use KSUID.
func IDFuncFor(strategy string) IDFunc {
	switch strategy {
	case "snowflake":
		node := snowflakeNodeFromEnv()
		return func() string { return NewSnowflakeIDWithNode(node) }
	default:
		return NewKSUID
	}
}
