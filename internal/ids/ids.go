package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

// Identifier minting. Task ids embed their work id so any component holding a
// task id can locate the work's store keys without extra lookups.

var taskIDPattern = regexp.MustCompile(`^wf:([^:]+):task:`)

// NewWorkID returns provided unchanged when non-empty, otherwise mints
// "<unix-millis>-<6 hex>".
func NewWorkID(provided string) string {
	if provided != "" {
		return provided
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), randomHex(3))
}

// NewTaskID mints "wf:<workID>:task:<unix-millis>-<8 hex>".
func NewTaskID(workID string) string {
	return fmt.Sprintf("wf:%s:task:%d-%s", workID, time.Now().UnixMilli(), randomHex(4))
}

// ExtractWorkID recovers the work id from a task id, or "" when the id does
// not carry one.
func ExtractWorkID(taskID string) string {
	m := taskIDPattern.FindStringSubmatch(taskID)
	if m == nil {
		return ""
	}
	return m[1]
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Store keys shared with workers. The literal formats are a wire contract.

// DescriptorKey is the list whose head holds the task's JSON descriptor.
func DescriptorKey(taskID string) string { return taskID + "_msg" }

// WorkSetKey is the authoritative membership set of a work's task ids.
func WorkSetKey(workID string) string { return "work:" + workID + ":tasks" }

// CompletionSetKey is the set workers add task ids to after writing the exit
// code.
func CompletionSetKey(workID string) string {
	return "wf:" + workID + ":tasksPendingCompletionHandling"
}
