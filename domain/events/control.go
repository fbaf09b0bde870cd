package events

// Control message types sent from clients to the gateway.
const (
	ControlJoinRoom                = "join-room"
	ControlLeaveRoom               = "leave-room"
	ControlPresenceSnapshotRequest = "presence-snapshot-request"
	ControlPing                    = "ping"
)

// ControlMessage is the client to server message. Every type except ping
// names a room.
type ControlMessage struct {
	Type   string `json:"type" validate:"required,oneof=join-room leave-room presence-snapshot-request ping"`
	RoomID string `json:"roomId,omitempty" validate:"required_unless=Type ping,max=256"`
}

func JoinRoom(roomID string) ControlMessage {
	return ControlMessage{Type: ControlJoinRoom, RoomID: roomID}
}

func LeaveRoom(roomID string) ControlMessage {
	return ControlMessage{Type: ControlLeaveRoom, RoomID: roomID}
}

func PresenceSnapshotRequest(roomID string) ControlMessage {
	return ControlMessage{Type: ControlPresenceSnapshotRequest, RoomID: roomID}
}
