package idgen

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// DefaultNode is the node id used when Initialize was never called
const DefaultNode int64 = 1

var (
	node    *snowflake.Node
	nodeErr error
	once    sync.Once
)

// Initialize sets up the Snowflake ID generator with a node ID.
// Only the first call has any effect.
func Initialize(nodeID int64) error {
	once.Do(func() {
		node, nodeErr = snowflake.NewNode(nodeID)
	})
	return nodeErr
}

// GenerateID generates a new Snowflake ID as a string, used to tag sweep runs
func GenerateID() string {
	if err := Initialize(DefaultNode); err != nil || node == nil {
		// A bad node id from Initialize leaves no generator; fall back
		n, _ := snowflake.NewNode(DefaultNode)
		return n.Generate().String()
	}
	return node.Generate().String()
}
