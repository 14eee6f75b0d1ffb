package cascade

import (
	"strings"
	"unicode"
)

// minSentenceRunes is the smallest number of non-space runes a candidate
// sentence must carry before a boundary is honoured. Shorter candidates
// ("A.", "2.") are usually list markers or abbreviation fragments, so the
// boundary is swallowed and scanning continues.
const minSentenceRunes = 3

// isTerminator reports whether r can end a sentence. The Devanagari full
// stop is included because Sarvam transcripts and Hindi replies use it.
func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '\n', '।':
		return true
	}
	return false
}

// splitter incrementally extracts complete sentences from a token stream.
//
// Tokens are appended to an internal buffer. A sentence boundary is the
// earliest terminator rune that is followed by whitespace, provided the
// candidate up to and including the terminator carries at least
// minSentenceRunes non-space runes. Abbreviations are not disambiguated;
// replies are short spoken sentences where the occasional false split is
// harmless and latency matters more.
//
// Feeding a text rune by rune yields exactly the same sentences as feeding
// it in one call.
type splitter struct {
	buf []rune
}

// Feed appends token to the buffer and returns any complete sentences it
// unlocked, trimmed of surrounding whitespace, in order. Returns nil when
// no boundary was reached.
func (s *splitter) Feed(token string) []string {
	if token == "" {
		return nil
	}
	s.buf = append(s.buf, []rune(token)...)

	var out []string
	for {
		sentence, ok := s.extract()
		if !ok {
			break
		}
		out = append(out, sentence)
	}
	return out
}

// extract removes and returns the first complete sentence in the buffer.
func (s *splitter) extract() (string, bool) {
	for i := 0; i+1 < len(s.buf); i++ {
		if !isTerminator(s.buf[i]) || !unicode.IsSpace(s.buf[i+1]) {
			continue
		}
		if nonSpaceCount(s.buf[:i+1]) < minSentenceRunes {
			continue
		}
		sentence := strings.TrimSpace(string(s.buf[:i+1]))
		s.buf = s.buf[i+1:]
		return sentence, true
	}
	return "", false
}

// Flush returns whatever remains in the buffer as a final sentence, trimmed,
// and resets the splitter. Returns "" when only whitespace is left. The end
// of the stream acts as the terminating whitespace, so a trailing "you?"
// still comes out as a sentence.
func (s *splitter) Flush() string {
	rest := strings.TrimSpace(string(s.buf))
	s.buf = nil
	return rest
}

func nonSpaceCount(runes []rune) int {
	n := 0
	for _, r := range runes {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
