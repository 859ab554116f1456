package whiteboard

import (
	"slices"

	"github.com/victornm/liveroom/internal/domain"
)

// CanWrite derives write eligibility: the host always writes, everyone writes
// in "all" mode, and in "approved" mode only the allow-listed writers do.
func CanWrite(isHost bool, mode domain.WriteMode, writerIDs []string, userID string) bool {
	switch {
	case isHost:
		return true
	case mode == domain.WriteModeAll:
		return true
	case mode == domain.WriteModeApproved:
		return slices.Contains(writerIDs, userID)
	default:
		return false
	}
}
