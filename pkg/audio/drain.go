package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when abandoning a streaming channel
// mid-stream (e.g. a synthesis audio channel after a peer departs).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
