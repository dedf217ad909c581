package storage

import "context"

// Keys under which the task store persists its snapshot.
const (
	KeyTasks  = "tasks"
	KeyNextID = "next_id"
)

// KV is a durable string key-value store. Get reports found=false for a missing key
// without an error.
type KV interface {
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Put(ctx context.Context, key, value string) error
}
