//go:build !linux

package fsys

// NewXattrMarkers falls back to in-memory markers on platforms without
// extended attribute support. Unsynced markers are lost on restart, so local
// changes made while the client wasn't running are picked up by the initial
// downstream instead.
func NewXattrMarkers(root string) MarkerStore {
	return NewMemoryMarkers()
}
