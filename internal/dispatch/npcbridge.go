package dispatch

import (
	"github.com/cyberspaced/cyberspaced/internal/wire"
)

// NPCBroadcast returns an npc.BroadcastFunc-shaped closure that wraps an
// NPC's chat turn in the same MsgChatMessage frame a human avatar's chat
// produces, so subscribers can't tell the two apart on the wire.
func (d *Dispatcher) NPCBroadcast(worldName string, nameOf func(uint64) string) func(npcUID uint64, text string) {
	return func(npcUID uint64, text string) {
		out := wire.NewFrame(MsgChatMessage, encodeChatMessage(npcUID, nameOf(npcUID), text))
		d.Broadcast.EnqueuePacketToBroadcastForWorld(out, worldName)
	}
}

// NPCGesture mirrors NPCBroadcast for MsgAvatarPerformGesture frames.
func (d *Dispatcher) NPCGesture(worldName string) func(npcUID uint64, gesture string) {
	return func(npcUID uint64, gesture string) {
		out := wire.NewFrame(MsgAvatarPerformGesture, encodeGesture(npcUID, gesture))
		d.Broadcast.EnqueuePacketToBroadcastForWorld(out, worldName)
	}
}
