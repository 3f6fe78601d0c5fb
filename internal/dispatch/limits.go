package dispatch

// String length caps applied before deserialising any field off the wire,
// per spec §4.F's "every string field is bounded before deserialisation".
const (
	maxDisplayNameLen = 200
	maxURLLen         = 4096
	maxScriptLen      = 1 << 20
	maxContentLen     = 1 << 16
	maxChatLen        = 2000
	maxGestureNameLen = 64
)

// transformUpdateHz is the maximum rate, per sender per world, at which an
// AvatarTransformUpdate is rebroadcast to subscribers (spec §4.F: "coalesced
// at <= 10 Hz per avatar per subscriber").
const transformUpdateHz = 10
