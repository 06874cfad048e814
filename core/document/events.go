package document

// Rooms & events published on the event bus.
const (
	EventAssigned     = "document:assigned"
	EventAcknowledged = "document:acknowledged"

	RoomAssignments      = "documents:assignments"
	RoomAcknowledgements = "documents:acknowledgements"

	recipientRoomPrefix = "user:"
)

// RecipientRoom is the room only the given recipient is subscribed to.
func RecipientRoom(recipientID string) string {
	return recipientRoomPrefix + recipientID
}

// RecipientAssignedEvent is the recipient-scoped variant of EventAssigned.
func RecipientAssignedEvent(recipientID string) string {
	return EventAssigned + ":" + recipientID
}

// CanJoinRoom reports whether a subscriber may listen on room.
func CanJoinRoom(room, subscriberID string, supervisory bool) bool {
	switch room {
	case RecipientRoom(subscriberID):
		return true
	case RoomAssignments, RoomAcknowledgements:
		return supervisory
	default:
		return false
	}
}
