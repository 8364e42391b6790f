package cli

import (
	"fmt"
	"regexp"
)

// Topic names are lowercase dotted segments, e.g. "stock.hold" or
// "notify.order_created". Handlers register under the same grammar, so
// anything else can never match a directive.
var topicPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

const maxTopicLen = 128

// ValidateTopic rejects topic filters that cannot name a registered
// handler before they reach the queue query.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic must not be empty")
	}
	if len(topic) > maxTopicLen {
		return fmt.Errorf("topic exceeds %d characters", maxTopicLen)
	}
	if !topicPattern.MatchString(topic) {
		return fmt.Errorf("invalid topic %q: want lowercase dotted segments like stock.hold", topic)
	}
	return nil
}

// ValidateTopics validates each filter in order and reports the first
// offender.
func ValidateTopics(topics []string) error {
	for _, topic := range topics {
		if err := ValidateTopic(topic); err != nil {
			return err
		}
	}
	return nil
}
