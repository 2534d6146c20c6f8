// Package edgeerr defines the error kinds from which the edge server's
// request pipeline and control plane build operator-facing diagnostics: a
// stable kind, a short human message, an HTTP status, and a correlation id
// that is also written to the access log (spec §7).
package edgeerr

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Kind enumerates the error categories from spec §7.
type Kind string

const (
	ConfigError          Kind = "config_error"
	TransientNetworkError Kind = "transient_network_error"
	UpstreamProtocolError Kind = "upstream_protocol_error"
	BadRequest           Kind = "bad_request"
	PolicyRejection      Kind = "policy_rejection"
	SecurityViolation    Kind = "security_violation"
	ConsensusErrorKind   Kind = "consensus_error"
	SupervisorError      Kind = "supervisor_error"
)

// HTTPStatus maps a Kind to the response status the pipeline should emit.
// Kinds that carry their own status (PolicyRejection, ConsensusError) return
// the most common case; callers with a more specific status should set it
// directly via Error.Status.
func (k Kind) HTTPStatus() int {
	switch k {
	case ConfigError:
		return http.StatusInternalServerError
	case TransientNetworkError:
		return http.StatusBadGateway
	case UpstreamProtocolError:
		return http.StatusBadGateway
	case BadRequest:
		return http.StatusBadRequest
	case PolicyRejection:
		return http.StatusTooManyRequests
	case SecurityViolation:
		return http.StatusBadRequest
	case ConsensusErrorKind:
		return http.StatusServiceUnavailable
	case SupervisorError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the protocol/retry logic in internal/proxy
// should consider re-issuing the request that produced this error.
func (k Kind) Retryable() bool {
	return k == TransientNetworkError
}

// Error is the error value carried from a component up to the request
// lifecycle orchestrator and the access log.
type Error struct {
	Kind          Kind
	Code          string
	Message       string
	CorrelationID string
	Status        int
	Cause         error
}

// New builds an Error, generating a correlation id if one was not supplied.
func New(kind Kind, code, message string, cause error) *Error {
	return &Error{
		Kind:          kind,
		Code:          code,
		Message:       message,
		CorrelationID: uuid.NewString(),
		Status:        kind.HTTPStatus(),
		Cause:         cause,
	}
}

// WithStatus overrides the default status for kinds like PolicyRejection
// and SecurityViolation whose exact code depends on the caller (403 vs 410
// vs 429).
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s) [%s]: %v", e.Message, e.Code, e.CorrelationID, e.Cause)
	}
	return fmt.Sprintf("%s (%s) [%s]", e.Message, e.Code, e.CorrelationID)
}

func (e *Error) Unwrap() error { return e.Cause }

// NotLeader is a ConsensusError raised by internal/cluster/raft when a
// non-leader node is asked to propose; LeaderHint, if non-empty, names the
// node the caller should retry against.
type NotLeader struct {
	LeaderHint string
}

func (n *NotLeader) Error() string {
	if n.LeaderHint == "" {
		return "consensus: not leader, leader unknown"
	}
	return fmt.Sprintf("consensus: not leader, try %s", n.LeaderHint)
}

// QuorumLost is raised when a write cannot reach a majority.
type QuorumLost struct{}

func (QuorumLost) Error() string { return "consensus: quorum lost" }

// RestartBudgetExhausted is raised by internal/supervisor when a managed
// process has crashed more than its restart policy allows.
type RestartBudgetExhausted struct {
	Process string
}

func (r *RestartBudgetExhausted) Error() string {
	return fmt.Sprintf("supervisor: restart budget exhausted for %q", r.Process)
}
