package mirror

import "github.com/schaermu/mirrord/internal/config"

// UpdatePayload is one create-or-update of a mirrored file
type UpdatePayload struct {
	Entry   config.Entry // entry the content belongs to, for comparison
	Repo    string
	Path    string // path within the repository
	Content string // resolved content
	Message string // commit message
}

// UpdateResponse is the repository's answer to an UpdatePayload
type UpdateResponse struct {
	Success   bool
	Unchanged bool   // published content already matched, nothing written
	Response  string // opaque, logged verbatim
}

// Outcome describes how one engine iteration ended
type Outcome int

const (
	OutcomeUpdated Outcome = iota
	OutcomeUnchanged
	OutcomeUpdateFailed
	OutcomeLocked
	OutcomeInvalid
	OutcomeDownloadFailed
	OutcomeLockUnavailable
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeUpdateFailed:
		return "update_failed"
	case OutcomeLocked:
		return "locked"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeDownloadFailed:
		return "download_failed"
	case OutcomeLockUnavailable:
		return "lock_unavailable"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Advances reports whether the outcome moves the cursor to the next entry
func (o Outcome) Advances() bool {
	switch o {
	case OutcomeLockUnavailable, OutcomeCancelled:
		return false
	}
	return true
}

// Status is a point-in-time view of the engine, safe to read from other
// goroutines.
type Status struct {
	Cursor       int    `json:"cursor"`
	ManifestSize int    `json:"manifest_size"`
	Passes       int64  `json:"passes"`
	LastOutcome  string `json:"last_outcome,omitempty"`
	LastEntry    string `json:"last_entry,omitempty"`
}
