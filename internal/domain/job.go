package domain

import "time"

// ComputeMessage is the transport format sent to queue backends. One message
// drives the compute step of exactly one preview.
type ComputeMessage struct {
	PreviewID   string    `json:"preview_id"`
	GroupID     string    `json:"group_id"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}
