//go:build !unix

package sysmem

// Without the unix mmap surface, regions come from the Go heap instead. The registry
// keeps each region reachable so the runtime will not collect it while outside code
// holds its address, and the runtime does not move heap objects, so the address stays
// stable until Free drops the reference.

func allocate(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func release(region []byte) error {
	return nil
}
