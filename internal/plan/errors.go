package plan

import "fmt"

// ConfigurationError reports an invalid resource request: an unknown provider,
// a missing or malformed topology key, or a disk type the provider does not
// support. It is fatal to plan resolution.
type ConfigurationError struct {
	Section string
	Key     string
	Err     error
}

func (e *ConfigurationError) Error() string {
	switch {
	case e.Section != "" && e.Key != "":
		return fmt.Sprintf("configuration error in section %q, key %q: %v", e.Section, e.Key, e.Err)
	case e.Section != "":
		return fmt.Sprintf("configuration error in section %q: %v", e.Section, e.Err)
	default:
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// ProvisioningError reports the failure of one machine's lifecycle step. It is
// surfaced as a per-item batch failure and never aborts sibling machines.
type ProvisioningError struct {
	VM   string
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("machine %s failed at step %q: %v", e.VM, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// PersistenceError reports a missing or unreadable plan snapshot. Cleanup
// cannot proceed without a valid snapshot, so it is fatal.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("plan snapshot %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
