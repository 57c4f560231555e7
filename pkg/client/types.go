package client

import "time"

// Version mirrors the server's version record.
type Version struct {
	ID        string     `json:"id"`
	Path      string     `json:"path"`
	Status    string     `json:"status"` // stopped, starting, running, crashed
	Port      int        `json:"port,omitempty"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	LastError string     `json:"exitError,omitempty"`
}

// Running reports whether the version serves on Port.
func (v Version) Running() bool { return v.Status == "running" }

// Outcome is one entry of a bulk response.
type Outcome struct {
	ID      string   `json:"id"`
	OK      bool     `json:"ok"`
	Version *Version `json:"version,omitempty"`
	Error   string   `json:"error,omitempty"`
	Code    string   `json:"code,omitempty"`
}

// Entry is a version in the trash, archive or snapshot area.
type Entry struct {
	ID      string    `json:"id"`
	Path    string    `json:"path"`
	ModTime time.Time `json:"modTime"`
}

// LogEvent is one activity line from the event stream.
type LogEvent struct {
	ID        string    `json:"id"`
	VersionID string    `json:"versionId,omitempty"`
	Text      string    `json:"text"`
	Kind      string    `json:"type"` // info, success, warn, error
	Timestamp time.Time `json:"timestamp"`
}

// Event is a decoded server-sent event. State is set for "state-update",
// Log for "log".
type Event struct {
	Type  string
	State []Version
	Log   *LogEvent
}

// Health is the /health response.
type Health struct {
	Status      string `json:"status"`
	Versions    int    `json:"versions"`
	Running     int    `json:"running"`
	Subscribers int    `json:"subscribers"`
	Time        string `json:"time"`
}

// Stats is the process tree sample from /health/stats.
type Stats struct {
	PID        int       `json:"pid"`
	Processes  int       `json:"processes"`
	CPUPercent float64   `json:"cpuPercent"`
	MemoryRSS  uint64    `json:"memoryRss"`
	MemoryMB   float64   `json:"memoryMb"`
	NumThreads int32     `json:"numThreads"`
	Uptime     float64   `json:"uptimeSeconds"`
	Timestamp  time.Time `json:"timestamp"`
}

// Token is returned by Login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Code   string   `json:"code,omitempty"`
	Output []string `json:"output,omitempty"`
}

type versionRequest struct {
	Version string `json:"version"`
	Port    int    `json:"port,omitempty"`
}

type bulkRequest struct {
	Versions []string `json:"versions"`
}

type bulkResponse struct {
	Results []Outcome `json:"results"`
}

type removedResponse struct {
	Removed []string `json:"removed"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success  bool     `json:"success"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Token    *Token   `json:"token"`
}
