// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"encoding/json"
	"time"
)

func statusStrings[S ~string](in []S) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// jsonOrNull maps an empty document to SQL NULL.
func jsonOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func durationMS(d time.Duration) int64 {
	return d.Milliseconds()
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
