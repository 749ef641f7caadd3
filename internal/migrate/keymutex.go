package migrate

import "sync"

// keyMutex is a per-key mutex backed by sync.Map, ensuring two concurrent
// migrations of the same (host_id, stack_name) pair cannot interleave.
type keyMutex struct {
	locks sync.Map // string -> *sync.Mutex
}

func (k *keyMutex) Lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func migrationKey(sourceHostID, stackName string) string {
	return sourceHostID + "/" + stackName
}
