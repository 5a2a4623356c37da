package signal

import (
	"strconv"

	"github.com/google/uuid"
)

// uniqueID resolves a requested identifier against a namespace. An empty
// request gets a random id. A taken id gets the smallest integer suffix that
// frees it: "alice" -> "alice1" -> "alice2" and so on.
func uniqueID(requested string, taken func(string) bool) string {
	if requested == "" {
		requested = uuid.NewString()
	}
	if !taken(requested) {
		return requested
	}
	for i := 1; ; i++ {
		candidate := requested + strconv.Itoa(i)
		if !taken(candidate) {
			return candidate
		}
	}
}
