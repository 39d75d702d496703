// Package failure defines the engine's failure taxonomy. Every failed
// request maps to exactly one kind; the kind string is what aggregation
// groups by and what lands in result rows.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindConnect covers errors before any response byte arrived.
	KindConnect Kind = "CONNECT"
	// KindTimeout covers connect, read, and total-deadline timeouts.
	KindTimeout Kind = "TIMEOUT"
	// KindHTTPStatus covers responses with status >= 400.
	KindHTTPStatus Kind = "HTTP_STATUS"
	// KindParse covers undecodable bodies and missing mapped fields.
	KindParse Kind = "PARSE"
	// KindStreamTruncated covers streams cut off before their terminal marker.
	KindStreamTruncated Kind = "STREAM_TRUNCATED"
	// KindCancelled marks requests interrupted by shutdown or drain. It is
	// accounted separately and never counts as a sample.
	KindCancelled Kind = "CANCELLED"
	// KindDatasetEmpty is fatal: a run cannot start without usable entries.
	KindDatasetEmpty Kind = "DATASET_EMPTY"
	// KindDatasetImageMissing marks entries whose image file was absent.
	KindDatasetImageMissing Kind = "DATASET_IMAGE_MISSING"
	// KindDispatcherRestart marks tasks orphaned by an engine restart.
	KindDispatcherRestart Kind = "DISPATCHER_RESTART"
)

// Failure is a classified request failure.
type Failure struct {
	Kind       Kind
	StatusCode int
	Message    string
	// Sample reports whether the failure counts toward the request sample.
	// Cancellations do not.
	Sample bool
}

func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s (%d): %s", string(f.Kind), f.StatusCode, f.Message)
	}
	return fmt.Sprintf("%s: %s", string(f.Kind), f.Message)
}

// NewConnect classifies a pre-response transport error.
func NewConnect(msg string) *Failure {
	return &Failure{Kind: KindConnect, Message: msg, Sample: true}
}

// NewTimeout classifies a deadline error.
func NewTimeout(msg string) *Failure {
	return &Failure{Kind: KindTimeout, Message: msg, Sample: true}
}

// NewHTTPStatus classifies an error status response.
func NewHTTPStatus(code int, msg string) *Failure {
	return &Failure{Kind: KindHTTPStatus, StatusCode: code, Message: msg, Sample: true}
}

// NewParse classifies an undecodable or field-missing response.
func NewParse(msg string) *Failure {
	return &Failure{Kind: KindParse, Message: msg, Sample: true}
}

// NewStreamTruncated classifies a stream that ended early.
func NewStreamTruncated(msg string) *Failure {
	return &Failure{Kind: KindStreamTruncated, Message: msg, Sample: true}
}

// NewCancelled classifies an interrupted request. Not a sample.
func NewCancelled(msg string) *Failure {
	return &Failure{Kind: KindCancelled, Message: msg}
}

// NewDatasetEmpty classifies a dataset with no usable entries.
func NewDatasetEmpty(msg string) *Failure {
	return &Failure{Kind: KindDatasetEmpty, Message: msg, Sample: true}
}

// KindOf extracts the failure kind from an error chain. Unclassified errors
// report as CONNECT, the broadest transport kind.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindConnect
}
