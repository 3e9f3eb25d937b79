package listing

import (
	"fmt"
	"strings"
)

// ConfigurationError is a fatal pre-flight failure: missing credentials or arguments.
type ConfigurationError struct {
	Missing []string
	Msg     string
}

func (e *ConfigurationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("configuration: missing required settings: %s", strings.Join(e.Missing, ", "))
	}
	return "configuration: " + e.Msg
}

// ValidationError means the input of one source had an unrecognized shape.
type ValidationError struct {
	Source string
	Msg    string
}

func (e *ValidationError) Error() string {
	if e.Source == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation (%s): %s", e.Source, e.Msg)
}

// NetworkError is a transport failure or non-success status at a required stage.
type NetworkError struct {
	Stage      string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *NetworkError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "network: stage=%s", e.Stage)
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " http=%d", e.StatusCode)
	}
	if e.URL != "" {
		fmt.Fprintf(&b, " url=%s", e.URL)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, " body=%q", e.Body)
	}
	return b.String()
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BlockedError reports an anti-automation page. It must not be retried automatically.
type BlockedError struct {
	URL    string
	Signal string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked: verification/anti-automation page for %s (matched %q); not retrying, operator intervention required", e.URL, e.Signal)
}

// PartialFetchWarning records a failed best-effort lookup. Processing continued
// with degraded data for Key.
type PartialFetchWarning struct {
	Stage string
	Key   string
	Err   error
}

func (e *PartialFetchWarning) Error() string {
	return fmt.Sprintf("partial fetch: stage=%s key=%s: %v", e.Stage, e.Key, e.Err)
}

func (e *PartialFetchWarning) Unwrap() error { return e.Err }

// WriteError is a failed create/update against the inventory store.
type WriteError struct {
	Op       string
	Key      string
	RecordID string
	Err      error
}

func (e *WriteError) Error() string {
	if e.RecordID != "" {
		return fmt.Sprintf("write: op=%s key=%s id=%s: %v", e.Op, e.Key, e.RecordID, e.Err)
	}
	return fmt.Sprintf("write: op=%s key=%s: %v", e.Op, e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
