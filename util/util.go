package util

// Unpack copies the leading elements of a slice into the given variables and returns how
// many it filled. Variables past the end of the slice keep their value, extra elements
// get ignored
func Unpack[T any](toUnpack []T, unpackInto ...*T) int {
	n := min(len(toUnpack), len(unpackInto))
	for i := 0; i < n; i++ {
		*unpackInto[i] = toUnpack[i]
	}
	return n
}
