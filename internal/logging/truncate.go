package logging

// MaxLogFieldLength caps the length of free-form string fields (remote command
// output, scripts) attached to log entries.
const MaxLogFieldLength = 1024

// Truncate shortens s to MaxLogFieldLength bytes, appending "..." when cut.
// The cut can land inside a multi-byte character; log fields carry command
// output where an exact boundary does not matter.
func Truncate(s string) string {
	if len(s) <= MaxLogFieldLength {
		return s
	}
	return s[:MaxLogFieldLength] + "..."
}
