// Package classify normalizes heterogeneous failures (backend error envelopes, HTTP
// status codes, transport failures, plain strings) into a single Error shape shared
// by every ban-management operation.
//
// Classification walks an ordered rule table; the first rule that matches wins, so
// messages authored by the backend always take precedence over status-code guesses.
package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// Kind labels the family a classified error belongs to.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindAuth               Kind = "auth_error"
	KindNotFound           Kind = "not_found"
	KindAlreadyExists      Kind = "already_exists"
	KindFail2ban           Kind = "fail2ban_error"
	KindServiceUnavailable Kind = "service_unavailable"
	KindServer             Kind = "server_error"
	KindNetwork            Kind = "network_error"
	KindUnknown            Kind = "unknown"
)

const (
	unknownErrorMessage = "Unknown error"
	networkErrorMessage = "Network error: unable to reach the ban management service. Check your connection and try again."
	fallbackMessage     = "An unexpected error occurred"
)

// Error is the normalized failure surfaced to operators.
type Error struct {
	Message string   `json:"message"`
	Causes  []string `json:"causes,omitempty"`
	Kind    Kind     `json:"errorKind"`
}

// New builds a classified error directly, for failures detected before any backend call.
func New(kind Kind, message string, causes ...string) *Error {
	return &Error{Message: message, Causes: causes, Kind: kind}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Is matches another *Error with the same Kind, so callers can write
// errors.Is(err, classify.New(classify.KindAlreadyExists, "")).
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

// HTTPError carries a non-successful backend response so the raw envelope can be
// inspected by the classifier.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend responded with status %d", e.StatusCode)
}

// TransportError marks a failure to exchange a request with the backend at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Classify converts any failure value into an *Error. A nil input yields nil.
func Classify(raw any) *Error {
	if raw == nil {
		return nil
	}
	if err, ok := raw.(error); ok && err == nil {
		return nil
	}

	in := newInput(raw)
	for _, r := range rules {
		if out, ok := r.apply(in); ok {
			return out
		}
	}
	return New(KindUnknown, fallbackMessage)
}

// KindOf is a shorthand returning only the classified kind of raw.
func KindOf(raw any) Kind {
	if c := Classify(raw); c != nil {
		return c.Kind
	}
	return ""
}

// input holds the facts every rule may look at, extracted once.
type input struct {
	raw    any
	err    error
	status int
	body   map[string]any
}

func newInput(raw any) input {
	in := input{raw: raw}
	if err, ok := raw.(error); ok {
		in.err = err
		var httpErr *HTTPError
		if errors.As(err, &httpErr) {
			in.status = httpErr.StatusCode
			if len(httpErr.Body) > 0 {
				var body map[string]any
				if json.Unmarshal(httpErr.Body, &body) == nil {
					in.body = body
				}
			}
		}
	}
	return in
}

type rule struct {
	name  string
	apply func(input) (*Error, bool)
}

// rules is evaluated top to bottom; order is precedence.
var rules = []rule{
	{name: "classified", apply: alreadyClassified},
	{name: "detail-list", apply: detailList},
	{name: "detail-object", apply: detailObject},
	{name: "detail-string", apply: detailString},
	{name: "failure-envelope", apply: failureEnvelope},
	{name: "runtime-error", apply: runtimeError},
	{name: "string", apply: plainString},
	{name: "status", apply: statusTable},
	{name: "network", apply: networkFailure},
}

func alreadyClassified(in input) (*Error, bool) {
	var c *Error
	if in.err != nil && errors.As(in.err, &c) && c != nil {
		return c, true
	}
	return nil, false
}

func detailList(in input) (*Error, bool) {
	items, ok := in.body["detail"].([]any)
	if !ok {
		return nil, false
	}
	messages := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			messages = append(messages, v)
		case map[string]any:
			if msg := firstString(v, "msg", "message"); msg != "" {
				messages = append(messages, msg)
			}
		}
	}
	if len(messages) == 0 {
		messages = append(messages, statusMessage(in.status))
	}
	return New(KindValidation, strings.Join(messages, ", ")), true
}

func detailObject(in input) (*Error, bool) {
	detail, ok := in.body["detail"].(map[string]any)
	if !ok {
		return nil, false
	}
	message := firstString(detail, "message")
	if message == "" {
		message = unknownErrorMessage
	}
	return &Error{
		Message: message,
		Causes:  stringList(detail["causes"]),
		Kind:    kindOrStatus(detail, in.status),
	}, true
}

func detailString(in input) (*Error, bool) {
	detail, ok := in.body["detail"].(string)
	if !ok {
		return nil, false
	}
	return New(statusKind(in.status), detail), true
}

func failureEnvelope(in input) (*Error, bool) {
	success, ok := in.body["success"].(bool)
	if !ok || success {
		return nil, false
	}
	message := firstString(in.body, "message")
	if message == "" {
		return nil, false
	}
	return &Error{
		Message: message,
		Causes:  stringList(in.body["causes"]),
		Kind:    kindOrStatus(in.body, in.status),
	}, true
}

func runtimeError(in input) (*Error, bool) {
	if in.err == nil || in.status != 0 || isNetworkFailure(in.err) {
		return nil, false
	}
	message := in.err.Error()
	if message == "" {
		return nil, false
	}
	return New(KindUnknown, message), true
}

func plainString(in input) (*Error, bool) {
	s, ok := in.raw.(string)
	if !ok || s == "" {
		return nil, false
	}
	if hasNetworkMarker(s) {
		return nil, false
	}
	return New(KindUnknown, s), true
}

func statusTable(in input) (*Error, bool) {
	if in.status == 0 {
		return nil, false
	}
	entry, ok := statusEntries[in.status]
	if !ok {
		return New(KindUnknown, fmt.Sprintf("Error (%d)", in.status)), true
	}
	return New(entry.kind, entry.message, entry.causes...), true
}

func networkFailure(in input) (*Error, bool) {
	switch {
	case in.err != nil && isNetworkFailure(in.err):
	case in.err == nil && hasNetworkMarker(fmt.Sprint(in.raw)):
	default:
		return nil, false
	}
	return New(KindNetwork, networkErrorMessage), true
}

type statusEntry struct {
	kind    Kind
	message string
	causes  []string
}

var statusEntries = map[int]statusEntry{
	400: {kind: KindValidation, message: "Invalid input data"},
	401: {kind: KindAuth, message: "Session expired, please log in again"},
	403: {kind: KindAuth, message: "You do not have permission to perform this operation"},
	404: {kind: KindNotFound, message: "Resource not found"},
	409: {kind: KindAlreadyExists, message: "Conflict: the IP or network may already be banned"},
	422: {kind: KindValidation, message: "Invalid IP address or reason format"},
	500: {kind: KindServer, message: "Internal server error", causes: []string{
		"The ban management server encountered an unexpected fault",
		"The Fail2ban integration failed",
		"The ban database is unavailable or returned an error",
	}},
	502: {kind: KindFail2ban, message: "Error communicating with Fail2ban", causes: []string{
		"The Fail2ban service is not running",
		"Fail2ban is misconfigured",
		"The service lacks the privileges required to manage bans",
	}},
	503: {kind: KindServiceUnavailable, message: "Service temporarily unavailable, please try again later"},
}

func statusMessage(status int) string {
	if entry, ok := statusEntries[status]; ok {
		return entry.message
	}
	return unknownErrorMessage
}

func statusKind(status int) Kind {
	if entry, ok := statusEntries[status]; ok {
		return entry.kind
	}
	return KindUnknown
}

func kindOrStatus(fields map[string]any, status int) Kind {
	if kind := firstString(fields, "error_type"); kind != "" {
		return Kind(kind)
	}
	return statusKind(status)
}

var networkMarkers = []string{
	"network error",
	"failed to fetch",
	"connection refused",
	"no such host",
	"i/o timeout",
	"connection reset",
	"circuit breaker is open",
}

func hasNetworkMarker(message string) bool {
	lower := strings.ToLower(message)
	for _, marker := range networkMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isNetworkFailure(err error) bool {
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	return hasNetworkMarker(err.Error())
}

func firstString(fields map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := fields[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
