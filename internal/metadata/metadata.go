// Package metadata holds the string keys the wire protocol uses inside
// client and room metadata payloads, plus the diff helper the server
// uses to compute what changed on a merge.
package metadata

import "reflect"

// ClientMetadata keys, merged into a Connection's open metadata map.
const (
	ClientID       = "id"
	ClientIP       = "ip"
	ClientPort     = "port"
	ClientRoom     = "room"
	ClientUsername = "username"
)

// RoomMetadata keys, merged into a Room's open metadata map.
const (
	RoomKeepOpen     = "keep_open"
	RoomCommandCount = "command_count"
	RoomByteSize     = "byte_size"
)

// UpdateAndDiff merges source into target in place and returns the
// subset of target whose effective value changed, including additions.
// An assignment that leaves a key's value unchanged contributes nothing
// to the diff.
func UpdateAndDiff(target map[string]any, source map[string]any) map[string]any {
	diff := make(map[string]any)
	for k, v := range source {
		if existing, ok := target[k]; ok && reflect.DeepEqual(existing, v) {
			continue
		}
		target[k] = v
		diff[k] = v
	}
	return diff
}
