// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"strings"
	"testing"

	"github.com/YZ-social/Yz.social/topics"
)

func TestValidateTopicName(t *testing.T) {
	tests := []struct {
		topic   string
		strict  bool
		wantErr bool
	}{
		{"s2:3458764513820540928", true, false},
		{"s2:3458764513820540928:fire", true, false},
		{"room/42", false, false},
		{"room/42", true, true},
		{"", false, true},
		{strings.Repeat("a", topics.MaxTopicLength+1), false, true},
		{string([]byte{0xFF, 0xFE}), false, true}, // Invalid UTF-8
		{"null\u0000char", false, true},
	}

	for _, tt := range tests {
		if err := topics.ValidateTopicName(tt.topic, tt.strict); (err != nil) != tt.wantErr {
			t.Errorf("ValidateTopicName(%q, %v) error = %v, wantErr %v", tt.topic, tt.strict, err, tt.wantErr)
		}
	}
}
