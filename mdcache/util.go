package mdcache

import "unsafe"

// uintptrLess orders two dirents by their in-RAM address. It exists
// purely to break ties deterministically when two index keys compare
// equal, the same trick the teacher library uses to order Inode locks
// consistently (nodefs/inode.go's nodeLess).
func uintptrLess(a, b *dirent) bool {
	return uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b))
}

// entryAddr gives a stable total order over dirPayloads by address,
// used by rename's two-lock dance to pick a consistent lock
// acquisition order regardless of call-site argument order.
func entryAddr(d *dirPayload) uintptr {
	return uintptr(unsafe.Pointer(d))
}
