package client

import "time"

// Unit mirrors the JSON returned by GET /units.
type Unit struct {
	Name           string    `json:"name"`
	Kind           string    `json:"kind,omitempty"`
	State          string    `json:"state"`
	Alive          bool      `json:"alive"`
	PID            int       `json:"pid,omitempty"`
	StopRequested  bool      `json:"stop_requested"`
	AutoRegistered bool      `json:"auto_registered"`
	RegisteredAt   time.Time `json:"registered_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ResourceSample is one CPU and memory reading of a process unit.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// UnitDetail is returned by GET /units/:name.
type UnitDetail struct {
	Unit
	Resources []ResourceSample `json:"resources,omitempty"`
}

// Message is a data-plane envelope kept by the server. Payload is CBOR;
// Diagnostic renders it in CBOR diagnostic notation.
type Message struct {
	Sender      string    `json:"sender"`
	Destination string    `json:"destination"`
	Payload     []byte    `json:"payload"`
	Diagnostic  string    `json:"diagnostic,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Schedule mirrors one entry of GET /schedules.
type Schedule struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Unit      string     `json:"unit"`
	Action    string     `json:"action"`
	Payload   string     `json:"payload,omitempty"`
	TimeZone  string     `json:"time_zone,omitempty"`
	Suspend   bool       `json:"suspend,omitempty"`
	Runs      int        `json:"runs"`
	Failures  int        `json:"failures"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
}

// Token is returned by POST /auth/login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

type stopAllResponse struct {
	Sent int `json:"sent"`
}

type healthResponse struct {
	Healthy bool `json:"healthy"`
}
