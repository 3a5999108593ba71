package broker

import (
	"fmt"
	"strings"
)

// MatchTopic reports whether routingKey matches pattern using topic exchange
// rules: words are separated by dots, "*" matches exactly one word and "#"
// matches zero or more words.
func MatchTopic(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}

func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("routing key pattern is empty")
	}
	for _, word := range strings.Split(pattern, ".") {
		if word == "" {
			return fmt.Errorf("routing key pattern %q has an empty word", pattern)
		}
		if strings.ContainsAny(word, "*#") && len(word) > 1 {
			return fmt.Errorf("wildcard must be a whole word in pattern %q", pattern)
		}
	}
	return nil
}
