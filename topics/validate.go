// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxTopicLength bounds any topic accepted by the broker.
const MaxTopicLength = 256

// ErrInvalidTopicName is returned for topics the broker refuses to route.
var ErrInvalidTopicName = errors.New("invalid topic name: empty, too long or illegal characters")

// ValidateTopicName checks that a topic can be routed. Any string topic is
// accepted; cell topics are only required when strict is set.
func ValidateTopicName(topic string, strict bool) error {
	if topic == "" || len(topic) > MaxTopicLength {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	if strings.ContainsRune(topic, 0) {
		return ErrInvalidTopicName
	}
	if strict {
		if _, _, err := Parse(topic); err != nil {
			return errors.Join(ErrInvalidTopicName, err)
		}
	}
	return nil
}
