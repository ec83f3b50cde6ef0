package remote

import "github.com/kalambet/tokdash/internal/usage"

// Profile is the public identity attached to a submission.
type Profile struct {
	DisplayName string `json:"display_name,omitempty"`
	Visibility  string `json:"visibility,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// Submission is a batch of usage records uploaded to the leaderboard.
type Submission struct {
	MachineID string         `json:"machine_id"`
	Client    string         `json:"client"`
	Profile   *Profile       `json:"profile,omitempty"`
	Records   []usage.Record `json:"records"`
}

// SubmitResponse reports how the server handled a submission.
type SubmitResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}
