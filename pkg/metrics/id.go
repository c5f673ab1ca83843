package metrics

// HashPath derives a metric id from its path: the base-31 polynomial hash
// of the UTF-8 bytes, wrapping in 32 bits. Dashboards compute the same
// value, so this must not change.
//
// Ids are not unique by construction; a collision is reported by
// the publisher when the second source registers.
func HashPath(path string) int32 {
	var h int32
	for i := 0; i < len(path); i++ {
		h = 31*h + int32(path[i])
	}
	return h
}
