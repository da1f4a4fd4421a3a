// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package topics implements MQTT topic name and filter rules.
package topics

import "strings"

// Match reports whether topic matches filter under MQTT wildcard rules:
// '+' matches one level, a trailing '#' matches the parent and every child.
// Topics starting with '$' are only matched by filters whose first level is
// not a wildcard.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if filter == topic {
		return true
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	if strings.HasPrefix(topic, "$") && (filterLevels[0] == "+" || filterLevels[0] == "#") {
		return false
	}

	for i, fLevel := range filterLevels {
		if fLevel == "#" {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if fLevel != "+" && fLevel != topicLevels[i] {
			return false
		}
	}

	return len(filterLevels) == len(topicLevels)
}
