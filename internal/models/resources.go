package models

// Ensure actions.
const (
	ActionCreate     = "create"
	ActionSkipExists = "skip_exists"
)

// ResourceAction describes what the ensurer did, or would do, for one resource.
type ResourceAction struct {
	Kind   string `json:"kind"`  // "group", "registry", "plan", "webapp"
	Label  string `json:"label"` // "Resource Group"
	Name   string `json:"name"`
	Action string `json:"action"`
	ID     string `json:"id,omitempty"` // Azure resource ID when known
}

// Plan holds the preflight classification of every managed resource.
type Plan struct {
	Subscription string           `json:"subscription,omitempty"`
	Resources    []ResourceAction `json:"resources"`
	Warnings     []string         `json:"warnings"`
}

// Counts returns how many resources would be created and skipped.
func (p *Plan) Counts() (create, skip int) {
	for _, r := range p.Resources {
		if r.Action == ActionCreate {
			create++
		} else {
			skip++
		}
	}
	return create, skip
}
