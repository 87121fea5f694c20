package model

// WatchStatus discriminates the messages published to a submission's watch
// queues (spec.md §6).
type WatchStatus string

const (
	WatchStart WatchStatus = "START"
	WatchOK    WatchStatus = "OK"
	WatchFail  WatchStatus = "FAIL"
	WatchStop  WatchStatus = "STOP"
)

// WatchMessage is the payload pushed onto a `D-<uuid>-WQ` reply queue.
type WatchMessage struct {
	Status   WatchStatus `json:"status"`
	CacheKey string      `json:"cache_key,omitempty"`
}
