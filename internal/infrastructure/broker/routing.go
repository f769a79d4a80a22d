package broker

import "strings"

// Matches reports whether a message published with routingKey to an
// exchange of the given kind reaches a binding declared with pattern.
// Headers exchanges route on message headers, which this matcher does not
// model; they match every key.
func Matches(kind ExchangeKind, pattern, routingKey string) bool {
	switch kind {
	case ExchangeFanout, ExchangeHeaders:
		return true
	case ExchangeDirect:
		return pattern == routingKey
	default:
		return matchTopic(strings.Split(pattern, "."), strings.Split(routingKey, "."))
	}
}

// matchTopic implements AMQP topic semantics: "*" matches exactly one word,
// "#" matches zero or more words.
func matchTopic(pattern, words []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(words); i++ {
				if matchTopic(pattern[1:], words[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(words) == 0 {
				return false
			}
		default:
			if len(words) == 0 || words[0] != pattern[0] {
				return false
			}
		}
		pattern, words = pattern[1:], words[1:]
	}
	return len(words) == 0
}
