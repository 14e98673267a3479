package negotiate

import (
	"net/http"
	"strconv"
)

// Class groups probe outcomes that share a response shape.
type Class int

const (
	ClassUnresolved Class = iota
	ClassFound
	ClassMissing
	ClassFaulted
)

func (c Class) String() string {
	switch c {
	case ClassUnresolved:
		return "unresolved"
	case ClassFound:
		return "found"
	case ClassMissing:
		return "missing"
	case ClassFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// ClassOf maps an outcome to its class.
func ClassOf(o Outcome) Class {
	switch o {
	case OutcomeFound:
		return ClassFound
	case OutcomeNotFound:
		return ClassMissing
	case OutcomeUpstreamError, OutcomeTransportFailure:
		return ClassFaulted
	default:
		return ClassUnresolved
	}
}

// Comparison is how the inbound validator relates to the reference validator.
type Comparison int

const (
	// ComparisonAbsent means the client sent no If-None-Match.
	ComparisonAbsent Comparison = iota
	// ComparisonUnverifiable means the client sent one but there is nothing to compare it with.
	ComparisonUnverifiable
	ComparisonMatch
	ComparisonMismatch
)

func (c Comparison) String() string {
	switch c {
	case ComparisonAbsent:
		return "absent"
	case ComparisonUnverifiable:
		return "unverifiable"
	case ComparisonMatch:
		return "match"
	case ComparisonMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Compare relates the inbound validator to reference using exact string equality.
func Compare(in Inbound, reference string) Comparison {
	switch {
	case !in.Present:
		return ComparisonAbsent
	case reference == "":
		return ComparisonUnverifiable
	case in.Value == reference:
		return ComparisonMatch
	default:
		return ComparisonMismatch
	}
}

// Body selects the payload of a response.
type Body int

const (
	BodyNone Body = iota
	BodyObject
	BodyPlaceholder
	BodyUpstreamError
	BodyClientError
)

func (b Body) String() string {
	switch b {
	case BodyNone:
		return "none"
	case BodyObject:
		return "object"
	case BodyPlaceholder:
		return "placeholder"
	case BodyUpstreamError:
		return "upstream_error"
	case BodyClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// Condition is a decision table key.
type Condition struct {
	Class      Class
	Comparison Comparison
}

// Rule is a decision table row.
type Rule struct {
	Status int
	Body   Body
	// ETag sets the reference validator as the response ETag when it is non-empty.
	ETag         bool
	CacheHeaders bool
}

// Table lists every reachable condition. Unresolved requests have no reference
// validator and missing or faulted objects have a fixed one, so the pairs not
// listed cannot occur.
var Table = map[Condition]Rule{
	{ClassUnresolved, ComparisonAbsent}:       {Status: http.StatusBadRequest, Body: BodyClientError},
	{ClassUnresolved, ComparisonUnverifiable}: {Status: http.StatusBadRequest, Body: BodyClientError},

	{ClassFound, ComparisonAbsent}:       {Status: http.StatusOK, Body: BodyObject, ETag: true, CacheHeaders: true},
	{ClassFound, ComparisonUnverifiable}: {Status: http.StatusOK, Body: BodyObject, CacheHeaders: true},
	{ClassFound, ComparisonMatch}:        {Status: http.StatusNotModified, ETag: true, CacheHeaders: true},
	{ClassFound, ComparisonMismatch}:     {Status: http.StatusOK, Body: BodyObject, ETag: true, CacheHeaders: true},

	{ClassMissing, ComparisonAbsent}:   {Status: http.StatusNotFound, Body: BodyPlaceholder, ETag: true, CacheHeaders: true},
	{ClassMissing, ComparisonMatch}:    {Status: http.StatusNotModified, ETag: true},
	{ClassMissing, ComparisonMismatch}: {Status: http.StatusNotFound, Body: BodyPlaceholder, ETag: true, CacheHeaders: true},

	{ClassFaulted, ComparisonAbsent}:   {Status: http.StatusBadGateway, Body: BodyUpstreamError, ETag: true, CacheHeaders: true},
	{ClassFaulted, ComparisonMatch}:    {Status: http.StatusNotModified, ETag: true},
	{ClassFaulted, ComparisonMismatch}: {Status: http.StatusBadGateway, Body: BodyUpstreamError, ETag: true, CacheHeaders: true},
}

// Validators are the fixed validators of the synthetic responses.
type Validators struct {
	Placeholder   string
	UpstreamError string
}

// DefaultValidators returns the validators used by the reference deployment.
func DefaultValidators() Validators {
	return Validators{
		Placeholder:   "blank-tile-v1",
		UpstreamError: "502-v1",
	}
}

// Decision is the negotiated response shape.
type Decision struct {
	Condition    Condition
	Status       int
	Body         Body
	ETag         string
	CacheHeaders bool
}

// NeedsObject reports whether the storage object body must be fetched.
func (d Decision) NeedsObject() bool {
	return d.Body == BodyObject
}

// Negotiator evaluates the decision table. It holds no per-request state.
type Negotiator struct {
	validators Validators
}

func New(v Validators) *Negotiator {
	return &Negotiator{validators: v}
}

// Decide returns the response shape for probe given the client's validator.
func (n *Negotiator) Decide(probe Probe, in Inbound) Decision {
	class := ClassOf(probe.Outcome)
	reference := n.reference(class, probe)
	cond := Condition{Class: class, Comparison: Compare(in, reference)}

	rule, ok := Table[cond]
	if !ok {
		// Only reachable with empty configured validators.
		cond = Condition{Class: ClassFaulted, Comparison: ComparisonAbsent}
		rule = Table[cond]
		reference = n.validators.UpstreamError
	}

	d := Decision{
		Condition:    cond,
		Status:       rule.Status,
		Body:         rule.Body,
		CacheHeaders: rule.CacheHeaders,
	}
	if rule.ETag {
		d.ETag = reference
	}

	return d
}

func (n *Negotiator) reference(class Class, probe Probe) string {
	switch class {
	case ClassFound:
		return probe.Validator
	case ClassMissing:
		return n.validators.Placeholder
	case ClassFaulted:
		return n.validators.UpstreamError
	default:
		return ""
	}
}

// CacheHeaders is the header set shared by every cacheable response.
type CacheHeaders struct {
	CacheControl string
	AllowOrigin  string
	AllowMethods string
	AllowHeaders string
	MaxAge       string
}

// NewCacheHeaders builds the shared set from its tunable parts.
func NewCacheHeaders(maxAge, corsMaxAge int, origin, methods, headers string) CacheHeaders {
	return CacheHeaders{
		CacheControl: "public, max-age=" + strconv.Itoa(maxAge),
		AllowOrigin:  origin,
		AllowMethods: methods,
		AllowHeaders: headers,
		MaxAge:       strconv.Itoa(corsMaxAge),
	}
}

func DefaultCacheHeaders() CacheHeaders {
	return NewCacheHeaders(86400, 86400, "*", "GET", "Content-Type")
}

// Apply sets the headers on h, skipping empty values.
func (c CacheHeaders) Apply(h http.Header) {
	set := func(key, value string) {
		if value != "" {
			h.Set(key, value)
		}
	}

	set("Cache-Control", c.CacheControl)
	set("Access-Control-Allow-Origin", c.AllowOrigin)
	set("Access-Control-Allow-Methods", c.AllowMethods)
	set("Access-Control-Allow-Headers", c.AllowHeaders)
	set("Access-Control-Max-Age", c.MaxAge)
}
