package utils

func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

// CloneBytes returns a copy that does not alias b.
func CloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	res := make([]byte, len(b))
	copy(res, b)
	return res
}
