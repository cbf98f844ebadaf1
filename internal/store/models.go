package store

import "time"

// Flash run results.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// FlashRun records one OTA update attempt.
type FlashRun struct {
	ID        uint64    `json:"id"`
	Serial    string    `json:"serial,omitempty"`
	HMID      string    `json:"hmid,omitempty"`
	Transport string    `json:"transport"`
	Firmware  string    `json:"firmware"`
	Blocks    int       `json:"blocks"`
	Retries   int       `json:"retries"`
	Rebooted  bool      `json:"rebooted"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// Frame is a captured radio message.
type Frame struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Src  string    `json:"src"`
	Dst  string    `json:"dst"`
	Type string    `json:"type"`
	Hex  string    `json:"hex"`
}
