// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"encoding/json"
	"time"
)

// PayloadLayout renders the long date followed by the long time.
const PayloadLayout = "Monday, January 2, 2006 15:04:05"

type payload struct {
	DT string `json:"dt"`
}

// GeneratePayload returns the demo payload {"dt":"<long date> <long time>"}
// for now.
func GeneratePayload(now time.Time) string {
	b, err := json.Marshal(payload{DT: now.Format(PayloadLayout)})
	if err != nil {
		// Marshaling a single string field cannot fail.
		panic(err)
	}
	return string(b)
}
