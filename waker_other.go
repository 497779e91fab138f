//go:build !linux && !darwin

package framepipe

// newDefaultWaker returns the portable channel waker on platforms without a wake fd.
func newDefaultWaker() (Waker, error) {
	return NewChannelWaker(), nil
}
