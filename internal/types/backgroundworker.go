package types

// BackgroundWorker is one slot managed by the Background Worker Manager
// (spec §4.6): a background-owned pane spawned under a parent role,
// addressable by its alias.
type BackgroundWorker struct {
	Alias        string `json:"alias"`
	PaneID       string `json:"paneId"`
	ParentRole   string `json:"parentRole"`
	Slot         int    `json:"slot"`
	TaskPrompt   string `json:"taskPrompt,omitempty"`
	StartedAt    int64  `json:"startedAt"`
	LastActiveAt int64  `json:"lastActiveAt"`
	Completed    bool   `json:"completed,omitempty"`
}
