package models

import "time"

// Release is one image tag that went live on a web app.
type Release struct {
	WebApp       string    `json:"webapp"`
	Tag          string    `json:"tag"`
	Image        string    `json:"image"`
	PreviousTag  string    `json:"previous_tag,omitempty"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	Kind         string    `json:"kind"`
	CreatedAt    time.Time `json:"created_at"`
}
