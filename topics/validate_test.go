// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/absmach/mqttlab/topics"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		topic   string
		wantErr bool
	}{
		{"valid/topic", false},
		{"/leading", false},
		{"invalid/+", true},
		{"invalid/#", true},
		{"", true},
		{string([]byte{0xFF, 0xFE}), true},
		{"null\u0000char", true},
		{strings.Repeat("a", topics.MaxLength+1), true},
	}

	for _, tt := range tests {
		err := topics.ValidateName(tt.topic)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.topic, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, topics.ErrInvalid) {
			t.Errorf("ValidateName(%q) error %v is not ErrInvalid", tt.topic, err)
		}
	}
}

func TestValidateFilter(t *testing.T) {
	tests := []struct {
		filter  string
		wantErr bool
	}{
		{"valid/topic", false},
		{"#", false},
		{"+", false},
		{"demo/#", false},
		{"+/b/+", false},
		{"", true},
		{"demo/#/more", true},
		{"demo/a#", true},
		{"demo/+a", true},
	}

	for _, tt := range tests {
		if err := topics.ValidateFilter(tt.filter); (err != nil) != tt.wantErr {
			t.Errorf("ValidateFilter(%q) error = %v, wantErr %v", tt.filter, err, tt.wantErr)
		}
	}
}
