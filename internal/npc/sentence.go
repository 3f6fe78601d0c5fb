package npc

import "strings"

// sentenceEnders are the characters that terminate a flushable sentence,
// per spec §4.J ("those ending in . ? ! \n \r").
const sentenceEnders = ".?!\n\r"

// splitCompleteSentences finds the last sentence-ending rune in buf and
// returns (complete, remainder): complete is everything up to and
// including that rune, remainder is whatever trails it (an in-progress
// sentence still accumulating deltas). ok is false when buf has no
// sentence end yet.
func splitCompleteSentences(buf string) (complete, remainder string, ok bool) {
	idx := strings.LastIndexAny(buf, sentenceEnders)
	if idx < 0 {
		return "", buf, false
	}
	return buf[:idx+1], buf[idx+1:], true
}
