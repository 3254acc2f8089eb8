// Package speech turns the agent's token stream into audible speech.
//
// Tokens are assembled into sentences as they arrive ([SentenceSplitter],
// [Stream]) and a single [Producer] loop speaks them: each completed sentence
// is announced on the data channels, synthesized, converted to the transport
// format and fanned out to every live outbound track. Sentences are strictly
// sequential — synthesis of sentence n+1 does not start before sentence n has
// been fully enqueued.
package speech

import (
	"context"
	"strings"
)

// SentenceSplitter accumulates streamed tokens and emits complete sentences.
//
// A sentence ends at the first '.', '!' or '?' that is followed by whitespace
// or sits at the end of the accumulated text. The terminating punctuation
// stays with the sentence; surrounding whitespace is trimmed. The zero value
// is ready to use.
type SentenceSplitter struct {
	buf string
}

// Push appends one token and returns the sentences it completed, in order.
// Most pushes return nothing; a token carrying several boundaries returns
// several sentences.
func (s *SentenceSplitter) Push(token string) []string {
	s.buf += token

	var sentences []string
	for {
		end := sentenceEnd(s.buf)
		if end < 0 {
			return sentences
		}
		sentence := strings.TrimSpace(s.buf[:end])
		s.buf = s.buf[end:]
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
	}
}

// Flush returns the trimmed trailing text that never reached a boundary, or
// "" if nothing is pending, and resets the splitter for the next stream.
func (s *SentenceSplitter) Flush() string {
	tail := strings.TrimSpace(s.buf)
	s.buf = ""
	return tail
}

// Stream assembles tokens read from in into sentences on the returned
// channel. The channel closes once in is closed and the trailing partial
// sentence (if any) has been flushed, or when ctx is done.
func Stream(ctx context.Context, in <-chan string) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		var split SentenceSplitter
		for {
			select {
			case <-ctx.Done():
				return
			case token, ok := <-in:
				if !ok {
					if tail := split.Flush(); tail != "" {
						select {
						case out <- tail:
						case <-ctx.Done():
						}
					}
					return
				}
				for _, sentence := range split.Push(token) {
					select {
					case out <- sentence:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out
}

// sentenceEnd returns the index just past the first sentence boundary in s: a
// '.', '!' or '?' followed by a whitespace character (which is consumed) or
// sitting at the very end of s. Returns -1 when s holds no complete sentence
// yet.
func sentenceEnd(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
			if i == len(s)-1 {
				return i + 1
			}
			switch s[i+1] {
			case ' ', '\t', '\n', '\r':
				return i + 2
			}
		}
	}
	return -1
}
