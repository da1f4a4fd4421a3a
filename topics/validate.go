// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxLength is the longest topic the protocol can encode.
const MaxLength = 65535

// ErrInvalid is returned for malformed topic names and filters.
var ErrInvalid = errors.New("invalid topic")

// ValidateName checks a topic name used for PUBLISH: no wildcards.
func ValidateName(topic string) error {
	if err := validateCommon(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards are not allowed in topic names", ErrInvalid)
	}
	return nil
}

// ValidateFilter checks a topic filter used for SUBSCRIBE.
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: # must be the last level", ErrInvalid)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: wildcards must occupy a whole level", ErrInvalid)
		}
	}
	return nil
}

func validateCommon(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalid)
	}
	if len(topic) > MaxLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalid, MaxLength)
	}
	if !utf8.ValidString(topic) || strings.Contains(topic, "\u0000") {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalid)
	}
	return nil
}
