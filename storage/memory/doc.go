// Package memory provides an in-memory implementation of storage.Store.
//
// All maps are guarded by a single sync.RWMutex and no lock is held across
// anything but the map access itself. Expired records are deleted when read;
// NewWithInterval additionally starts a background sweep.
//
// Example usage:
//
//	store := memory.NewWithInterval(time.Minute)
//	defer store.Stop()
package memory
