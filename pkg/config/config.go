// Global index configuration.
package config

// Name of the index.
const IndexName = "tlbtree"

// Prompt printed by the REPL.
const Prompt = IndexName + "> "

// Downtree geometry. A downtree node is 256 bytes: one state word, a
// leftmost child pointer, two sibling slots and 13 record slots.
const (
	// Cardinality is the maximum number of records in a downtree node.
	Cardinality = 13
	// UnderflowCard is the occupancy below which a remove asks its
	// parent to consider merging the node with a neighbor.
	UnderflowCard = 4
)

// Uptree geometry. Inner and leaf nodes are both 256 bytes.
const (
	// InnerCard is the fanout of an uptree inner node.
	InnerCard = 32
	// LeafCard is the number of key/value slots in an uptree leaf.
	LeafCard = 16
	// LeafRebuildCard is how full a leaf is built during bulk build,
	// leaving LeafCard-LeafRebuildCard gaps to absorb inserts.
	LeafRebuildCard = 12
	// MaxHeight bounds the uptree height.
	MaxHeight = 10
)

// Two-layer policy.
const (
	// DownLevel is the number of levels a split climbs inside a
	// sub-index before the new sub-root surfaces to the coordinator.
	DownLevel = 2
	// RebuildThreshold is the sibling-chain walk length beyond which
	// an uptree rebuild is triggered.
	RebuildThreshold = 2
)

// FlushMode selects how Persist reaches the pool file. It is a
// pool-global choice, fixed when the pool is opened.
type FlushMode int

const (
	// FlushAsync schedules an asynchronous writeback of the range.
	FlushAsync FlushMode = iota
	// FlushSync blocks until the range is durable.
	FlushSync
	// FlushNone elides writeback; durability is left to munmap/close.
	FlushNone
)

// DefaultPoolSize is the pool file size used when none is given.
const DefaultPoolSize = 256 << 20

// Return prompt if requested, else "".
func GetPrompt(flag bool) string {
	if flag {
		return Prompt
	}
	return ""
}
