package subscription

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	// AllTopics is the wildcard-all marker.
	AllTopics = "*"

	// TopicSeparator delimits topic segments.
	TopicSeparator = ":"

	prefixSuffix = TopicSeparator + "*"
)

var topicPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+(:[A-Za-z0-9_.\-]+)*$`)

// ValidateTopic checks a declared interest: the all-flag, an exact topic or
// a prefix pattern ending in ":*".
func ValidateTopic(topic string) error {
	if topic == AllTopics {
		return nil
	}
	body := strings.TrimSuffix(topic, prefixSuffix)
	if !topicPattern.MatchString(body) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return nil
}

// IsPrefix reports whether topic is a prefix pattern such as "ox:mail:*".
func IsPrefix(topic string) bool {
	return strings.HasSuffix(topic, prefixSuffix)
}

// Interests is the parsed form of a subscription's topic list.
// Prefixes are kept without their trailing "*".
type Interests struct {
	All      bool
	Exact    []string
	Prefixes []string
}

// ParseInterests validates topics and splits them into exact and prefix
// interests. If "*" is present the result carries only the all-flag.
func ParseInterests(topics []string) (Interests, error) {
	var in Interests
	seen := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if err := ValidateTopic(t); err != nil {
			return Interests{}, err
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}

		switch {
		case t == AllTopics:
			in.All = true
		case IsPrefix(t):
			in.Prefixes = append(in.Prefixes, strings.TrimSuffix(t, "*"))
		default:
			in.Exact = append(in.Exact, t)
		}
	}
	if in.All {
		return Interests{All: true}, nil
	}
	sort.Strings(in.Exact)
	sort.Strings(in.Prefixes)
	return in, nil
}

// Topics rebuilds the declared topic list, sorted.
func (in Interests) Topics() []string {
	if in.All {
		return []string{AllTopics}
	}
	topics := make([]string, 0, len(in.Exact)+len(in.Prefixes))
	topics = append(topics, in.Exact...)
	for _, p := range in.Prefixes {
		topics = append(topics, p+"*")
	}
	sort.Strings(topics)
	return topics
}

// Empty reports whether no interest at all is declared.
func (in Interests) Empty() bool {
	return !in.All && len(in.Exact) == 0 && len(in.Prefixes) == 0
}

// Match decides whether topic is covered by in and reports which declared
// interest matched: "*" for the all-flag, the topic itself for an exact
// interest, or prefix+"*" for the longest matching prefix.
//
// topic must be non-empty; stored interests are trusted and not re-validated.
func Match(topic string, in Interests) (string, bool) {
	if in.All {
		return AllTopics, true
	}
	for _, e := range in.Exact {
		if e == topic {
			return e, true
		}
	}
	best := ""
	for _, p := range in.Prefixes {
		if strings.HasPrefix(topic, p) && len(p) > len(best) {
			best = p
		}
	}
	if best != "" {
		return best + "*", true
	}
	return "", false
}
