package domain

import (
	"slices"
)

type RoomStatus string

const (
	RoomStatusActive    RoomStatus = "active"
	RoomStatusCompleted RoomStatus = "completed"
)

type Role string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
)

// Room is the working copy of a room record owned by the room directory.
type Room struct {
	RoomID   string
	Language string
	HostID   string
	// Participants is ordered by join order and holds unique user ids.
	Participants []string
	Capacity     int
	Status       RoomStatus
	// CallID keys the video call and chat channel of the room.
	CallID           string
	CodeSpaceOpen    bool
	AntiCheatEnabled bool
	Whiteboard       WhiteboardSnapshot
	Quiz             QuizSnapshot
}

// RoleOf returns the role of the user in the room, false if the user is
// neither the host nor a participant.
func (r *Room) RoleOf(userID string) (Role, bool) {
	if userID == "" {
		return "", false
	}
	if r.HostID == userID {
		return RoleHost, true
	}
	if slices.Contains(r.Participants, userID) {
		return RoleParticipant, true
	}
	return "", false
}

func (r *Room) IsParticipant(userID string) bool {
	return slices.Contains(r.Participants, userID)
}

func (r *Room) Active() bool {
	return r.Status == RoomStatusActive
}

// User is an account known to the room directory, resolved from a verified
// external identity.
type User struct {
	UserID     string
	ExternalID string
	Name       string
}
