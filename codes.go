package entitle

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

// codeEpoch is 2025-01-01T00:00:00Z in milliseconds.
const codeEpoch int64 = 1735689600000

var configureCodes sync.Once

// newCodeNode returns the generator for gateway correlation codes.
//
// Node and step bits are narrowed to 4 and 8 so that codes stay below 2^53
// for roughly seventy years after codeEpoch: gateways carry order codes as
// JSON numbers and must round-trip them exactly. That leaves 16 nodes and
// 256 codes per millisecond per node.
func newCodeNode(node int64) (*snowflake.Node, error) {
	configureCodes.Do(func() {
		snowflake.Epoch = codeEpoch
		snowflake.NodeBits = 4
		snowflake.StepBits = 8
	})
	return snowflake.NewNode(node)
}

func (e *Engine) nextCode() int64 {
	return e.codes.Generate().Int64()
}
