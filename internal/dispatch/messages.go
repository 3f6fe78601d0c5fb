// Package dispatch implements the protocol dispatcher from spec §4.F: it
// reads framed messages off a subscribed connection, mutates world state
// under the process-wide lock, and broadcasts the result to other
// subscribers of the same world.
package dispatch

// Message ids, matching spec §4.F's representative id table. Client-to-server
// and server-to-client ids share one space; a given id always carries the
// same payload shape in both directions unless documented otherwise.
const (
	MsgKeepAlive uint32 = iota + 1
	MsgAvatarTransformUpdate
	MsgAvatarFullUpdate
	MsgChatMessage
	MsgAvatarPerformGesture
	MsgAvatarStopGesture
	MsgCreateObject
	MsgObjectFullUpdate
	MsgObjectTransformUpdate
	MsgDestroyObject
	MsgSummonObject
	MsgResourceRequest
	MsgUserMovedNearToBotAvatar
	MsgUserMovedAwayFromBotAvatar
	MsgLogin

	// Server -> client only.
	MsgObjectCreated
	MsgPermissionDenied
	MsgResourceData
	MsgResourceNotPresent
	MsgPhotoUploadSucceeded
	MsgPhotoUploadFailed
	MsgLoginSucceeded
	MsgLoginFailed
	MsgReadOnly
)
