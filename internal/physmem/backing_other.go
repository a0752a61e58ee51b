//go:build !unix

package physmem

func allocBacking(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeBacking([]byte) error { return nil }
