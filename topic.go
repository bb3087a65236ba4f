package mqttc

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var (
	ErrInvalidTopicName   = errors.New("invalid topic name")
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
	ErrEmptyTopic         = errors.New("topic cannot be empty")
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'
)

// ValidatePublishTopic validates a topic name for publishing. Topic names
// must be non-empty UTF-8 without null characters or wildcards.
func ValidatePublishTopic(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}

	for _, r := range topic {
		if r == 0 {
			return ErrInvalidTopicName
		}
		if r == singleLevelWildcard || r == multiLevelWildcard {
			return ErrInvalidTopicName
		}
	}

	return nil
}

// ValidateSubscribeFilter validates a topic filter for subscribing. Filters
// may contain wildcards: '+' must occupy a whole level, '#' must occupy the
// whole final level.
func ValidateSubscribeFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}

	if !utf8.ValidString(filter) {
		return ErrInvalidTopicFilter
	}

	for _, r := range filter {
		if r == 0 {
			return ErrInvalidTopicFilter
		}
	}

	levels := strings.Split(filter, string(topicSeparator))

	for i, level := range levels {
		if strings.ContainsRune(level, singleLevelWildcard) {
			if level != string(singleLevelWildcard) {
				return ErrInvalidTopicFilter
			}
		}

		if strings.ContainsRune(level, multiLevelWildcard) {
			if level != string(multiLevelWildcard) {
				return ErrInvalidTopicFilter
			}
			if i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
	}

	return nil
}

// TopicMatches reports whether a topic name matches a topic filter. A
// trailing "/#" also matches the parent level itself, so "sensors/#"
// matches "sensors". Wildcards at the first level never match topics
// starting with '$'.
func TopicMatches(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	if topic[0] == '$' {
		if filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard {
			return false
		}
	}

	return matchLevels(filter, topic)
}

// matchLevels walks filter and topic level by level without allocating.
func matchLevels(filter, topic string) bool {
	fi, ti := 0, 0
	flen, tlen := len(filter), len(topic)

	for fi < flen {
		fstart := fi
		for fi < flen && filter[fi] != topicSeparator {
			fi++
		}
		flevel := filter[fstart:fi]

		// Multi-level wildcard matches everything remaining, including
		// the parent level when the topic is already exhausted.
		if flevel == "#" {
			return true
		}

		if ti >= tlen {
			return false
		}

		tstart := ti
		for ti < tlen && topic[ti] != topicSeparator {
			ti++
		}
		tlevel := topic[tstart:ti]

		if flevel != "+" && flevel != tlevel {
			return false
		}

		if fi < flen {
			fi++ // skip '/'
		}
		if ti < tlen {
			ti++ // skip '/'
		}
	}

	return ti >= tlen
}

// IsSystemTopic reports whether the topic is a server topic under $SYS.
func IsSystemTopic(topic string) bool {
	return strings.HasPrefix(topic, "$SYS/") || topic == "$SYS"
}

// containsWildcard reports whether the filter contains '#' or '+'.
func containsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "#+")
}

// SharedSubscription is a parsed $share subscription filter.
type SharedSubscription struct {
	ShareName   string
	TopicFilter string
}

// ParseSharedSubscription parses a shared subscription filter of the form
// $share/{ShareName}/{TopicFilter}. It returns (nil, nil) for filters that
// are not shared subscriptions.
func ParseSharedSubscription(filter string) (*SharedSubscription, error) {
	const prefix = "$share/"

	if !strings.HasPrefix(filter, prefix) {
		return nil, nil
	}

	rest := filter[len(prefix):]
	idx := strings.IndexByte(rest, topicSeparator)
	if idx <= 0 {
		return nil, ErrInvalidTopicFilter
	}

	shareName := rest[:idx]
	topicFilter := rest[idx+1:]

	if shareName == "" || topicFilter == "" {
		return nil, ErrInvalidTopicFilter
	}

	if err := ValidateSubscribeFilter(topicFilter); err != nil {
		return nil, err
	}

	return &SharedSubscription{
		ShareName:   shareName,
		TopicFilter: topicFilter,
	}, nil
}
