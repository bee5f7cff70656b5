package model

// Contact is a deliverable recipient on the messaging platform.
type Contact struct {
	RecipientID     string `json:"recipient_id"`
	RecipientHandle string `json:"recipient_handle,omitempty"`
}

// GroupHandle references a group created on the messaging platform.
type GroupHandle struct {
	GroupRef  string `json:"group_ref"`
	InviteRef string `json:"invite_ref"`
}
