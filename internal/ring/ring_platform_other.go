//go:build !linux

package ring

// newPlatformRing falls back to the portable poll backend on every
// platform other than Linux.
func newPlatformRing(cfg Config) (Ring, error) {
	return newPollRing(cfg)
}
