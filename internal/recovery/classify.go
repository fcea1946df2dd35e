package recovery

import (
	"regexp"
	"strings"
	"time"

	"github.com/agentworkforce/relayboard/internal/boardstore"
)

type ErrorType string

const (
	TypeNetwork    ErrorType = "network"
	TypePermission ErrorType = "permission"
	TypeValidation ErrorType = "validation"
	TypeNotFound   ErrorType = "not-found"
	TypeConflict   ErrorType = "conflict"
	TypeRateLimit  ErrorType = "rate-limit"
	TypeUnknown    ErrorType = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Strategy string

const (
	StrategyRetry              Strategy = "retry"
	StrategyRetryWithDelay     Strategy = "retry-with-delay"
	StrategyFixSchema          Strategy = "fix-schema"
	StrategyCreateMissing      Strategy = "create-missing"
	StrategyConflictResolution Strategy = "retry-with-conflict-resolution"
	StrategyReauth             Strategy = "reauth"
)

type Classification struct {
	Type        ErrorType `json:"type"`
	Severity    Severity  `json:"severity"`
	Recoverable bool      `json:"recoverable"`
	Strategy    Strategy  `json:"strategy"`
}

// Record is one entry of the classification history.
type Record struct {
	Classification
	Operation string    `json:"operation,omitempty"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

var (
	networkClass    = Classification{TypeNetwork, SeverityHigh, true, StrategyRetry}
	permissionClass = Classification{TypePermission, SeverityCritical, false, StrategyReauth}
	validationClass = Classification{TypeValidation, SeverityMedium, true, StrategyFixSchema}
	notFoundClass   = Classification{TypeNotFound, SeverityMedium, true, StrategyCreateMissing}
	conflictClass   = Classification{TypeConflict, SeverityMedium, true, StrategyConflictResolution}
	rateLimitClass  = Classification{TypeRateLimit, SeverityLow, true, StrategyRetryWithDelay}
	unknownClass    = Classification{TypeUnknown, SeverityMedium, true, StrategyRetry}
)

var kindClasses = map[boardstore.Kind]Classification{
	boardstore.KindNetwork:    networkClass,
	boardstore.KindPermission: permissionClass,
	boardstore.KindValidation: validationClass,
	boardstore.KindNotFound:   notFoundClass,
	boardstore.KindConflict:   conflictClass,
	boardstore.KindRateLimit:  rateLimitClass,
}

type rule struct {
	match func(msg string) bool
	class Classification
}

var statusPattern5xx = regexp.MustCompile(`\b5\d\d\b`)

func containsAny(needles ...string) func(string) bool {
	return func(msg string) bool {
		for _, needle := range needles {
			if strings.Contains(msg, needle) {
				return true
			}
		}
		return false
	}
}

// rules are checked in order; the first match wins.
var rules = []rule{
	{func(msg string) bool {
		return containsAny("timeout", "timed out", "connection", "network", "unavailable")(msg) || statusPattern5xx.MatchString(msg)
	}, networkClass},
	{containsAny("permission", "unauthorized", "forbidden", "401", "403"), permissionClass},
	{containsAny("attribute", "validation", "400", "schema"), validationClass},
	{containsAny("not found", "404"), notFoundClass},
	{containsAny("conflict", "409"), conflictClass},
	{containsAny("rate limit", "too many requests", "429"), rateLimitClass},
}

// Classify maps err to a recovery plan. A kind tagged by the store decides
// on its own; untagged errors fall back to message matching.
func Classify(err error) Classification {
	if err == nil {
		return unknownClass
	}
	if class, ok := kindClasses[boardstore.KindOf(err)]; ok {
		return class
	}
	return ClassifyMessage(err.Error())
}

func ClassifyMessage(msg string) Classification {
	msg = strings.ToLower(msg)
	for _, r := range rules {
		if r.match(msg) {
			return r.class
		}
	}
	return unknownClass
}
