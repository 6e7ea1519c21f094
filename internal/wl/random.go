package wl

import "crypto/rand"

// randomBytes fills device IDs and Feistel keys at format time, using the
// platform CSPRNG. It panics on failure, treating it as the "impossible"
// platform error it would be on any real device.
func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("wl: system RNG unavailable: " + err.Error())
	}
	return b
}
