package stream

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Granularity selects how a payload is split into fragments.
type Granularity string

const (
	GranularityWord Granularity = "word"
	GranularityChar Granularity = "char"
)

// ParseGranularity accepts "word" or "char" in any case. Empty means word.
func ParseGranularity(raw string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(GranularityWord):
		return GranularityWord, nil
	case string(GranularityChar):
		return GranularityChar, nil
	default:
		return "", fmt.Errorf("unsupported granularity %q (expected word|char)", raw)
	}
}

// Chunk splits payload into fragments whose concatenation is byte-identical
// to payload. Word granularity keeps each whitespace run as its own fragment.
func Chunk(payload string, g Granularity) []string {
	if payload == "" {
		return nil
	}
	if g == GranularityChar {
		return chunkChars(payload)
	}
	return chunkWords(payload)
}

func chunkChars(payload string) []string {
	out := make([]string, 0, utf8.RuneCountInString(payload))
	for i := 0; i < len(payload); {
		_, size := utf8.DecodeRuneInString(payload[i:])
		out = append(out, payload[i:i+size])
		i += size
	}
	return out
}

func chunkWords(payload string) []string {
	var out []string
	start := 0
	inSpace := false
	for i, r := range payload {
		space := unicode.IsSpace(r)
		if i == 0 {
			inSpace = space
			continue
		}
		if space != inSpace {
			out = append(out, payload[start:i])
			start = i
			inSpace = space
		}
	}
	return append(out, payload[start:])
}
