package negotiate

import (
	"net/http"
	"strings"
)

// Outcome is what the storage probe observed.
type Outcome int

const (
	OutcomeUnresolved Outcome = iota
	OutcomeFound
	OutcomeNotFound
	OutcomeUpstreamError
	OutcomeTransportFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnresolved:
		return "unresolved"
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeUpstreamError:
		return "upstream_error"
	case OutcomeTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Probe is the classified result of a storage call.
type Probe struct {
	Outcome    Outcome
	StatusCode int
	// Validator is the storage content hash, set only for OutcomeFound.
	Validator string
	Err       error
}

// Unresolved is the probe for requests whose storage URL could not be built.
func Unresolved(err error) Probe {
	return Probe{Outcome: OutcomeUnresolved, Err: err}
}

// Classify turns a storage status (or transport error) into a Probe.
// validatorHeader names the storage header carrying the content hash.
func Classify(statusCode int, header http.Header, validatorHeader string, err error) Probe {
	switch {
	case err != nil:
		return Probe{Outcome: OutcomeTransportFailure, Err: err}
	case statusCode >= 200 && statusCode < 300:
		return Probe{
			Outcome:    OutcomeFound,
			StatusCode: statusCode,
			Validator:  header.Get(validatorHeader),
		}
	case statusCode == http.StatusNotFound:
		return Probe{Outcome: OutcomeNotFound, StatusCode: statusCode}
	default:
		return Probe{Outcome: OutcomeUpstreamError, StatusCode: statusCode}
	}
}

// Inbound is the client's conditional-request validator.
type Inbound struct {
	Present bool
	Value   string
}

// InboundFrom reads If-None-Match from h. Repeated header lines are joined
// with ", " into one value. A header that is present but empty still counts
// as present.
func InboundFrom(h http.Header) Inbound {
	values := h.Values("If-None-Match")
	if len(values) == 0 {
		return Inbound{}
	}

	return Inbound{Present: true, Value: strings.Join(values, ", ")}
}
