package client

// RunRequest asks the daemon to run a manifest script.
type RunRequest struct {
	Task string `json:"task"`
}

// Route is the served build output.
type Route struct {
	Route     string `json:"route"`
	Directory string `json:"directory"`
	Index     string `json:"index"`
}

// Subscription is one live file watch.
type Subscription struct {
	ID       uint64   `json:"id"`
	Dir      string   `json:"dir"`
	Patterns []string `json:"patterns"`
}

// Status is the daemon snapshot returned by GET {base}/status.
type Status struct {
	Running  int                 `json:"running"`
	Install  string              `json:"install"`
	Build    string              `json:"build"`
	Route    Route               `json:"route"`
	Clients  int                 `json:"clients"`
	Scripts  []string            `json:"scripts"`
	Watching []Subscription      `json:"watching"`
	Patterns map[string][]string `json:"patterns"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
