package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrCooldownActive) {
//	    // rule executed too recently
//	}
var (
	// ErrRuleNotFound is returned when a rule ID does not exist.
	ErrRuleNotFound = errors.New("rule: not found")

	// ErrRuleExists is returned when creating a rule with an ID that already exists.
	ErrRuleExists = errors.New("rule: already exists")

	// ErrInvalidRule is returned when rule validation fails.
	ErrInvalidRule = errors.New("rule: invalid")

	// ErrConfiguration is returned when a rule's thresholds are inconsistent.
	// The rule is saved disabled rather than rejected.
	ErrConfiguration = errors.New("rule: configuration error")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("rule: invalid status transition")

	// ErrApprovalRequired is returned when activating an unapproved rule.
	ErrApprovalRequired = errors.New("rule: approval required")

	// ErrRuleDeprecated is returned when editing a deprecated rule.
	ErrRuleDeprecated = errors.New("rule: deprecated")

	// ErrInvalidSnapshot is returned when a cycle is started without a farm.
	ErrInvalidSnapshot = errors.New("engine: invalid snapshot")
)

// Governor denial reasons. Each Decision carries one of these as its Err.
var (
	// ErrNotMatched is returned when the rule's conditions did not match.
	ErrNotMatched = errors.New("governor: conditions not matched")

	// ErrManualOverrideRequired is returned when the rule needs a human override token.
	ErrManualOverrideRequired = errors.New("governor: manual override required")

	// ErrSafetyViolation is returned when an emergency stop or max runtime fired.
	ErrSafetyViolation = errors.New("governor: safety violation")

	// ErrHysteresisHold is returned when the sensor sits inside its band.
	ErrHysteresisHold = errors.New("governor: hysteresis hold")

	// ErrActuatorActive is returned when the rule's actuators are already running.
	ErrActuatorActive = errors.New("governor: actuator already active")

	// ErrCommandHeld is returned when the rule's devices already hold the
	// commands it would send.
	ErrCommandHeld = errors.New("governor: command already applied")

	// ErrOverrideExpired is returned when an override token is too old or
	// has already been used.
	ErrOverrideExpired = errors.New("governor: override expired")

	// ErrCooldownActive is returned when the rule executed too recently.
	ErrCooldownActive = errors.New("governor: cooldown active")

	// ErrRateLimitExceeded is returned when the execution cap has been reached.
	ErrRateLimitExceeded = errors.New("governor: rate limit exceeded")

	// ErrConflictingRule is returned when a conflicting rule already executed this cycle.
	ErrConflictingRule = errors.New("governor: conflicting rule executed")

	// ErrActuatorClaimed is returned when a higher-priority rule claimed the device this cycle.
	ErrActuatorClaimed = errors.New("governor: actuator claimed")
)

// Dispatch errors.
var (
	// ErrActionDispatch wraps a single action failure. It never aborts sibling actions.
	ErrActionDispatch = errors.New("dispatch: action failed")

	// ErrMQTTUnavailable is returned when MQTT is not connected.
	ErrMQTTUnavailable = errors.New("dispatch: MQTT unavailable")

	// ErrChannelUnsupported is returned when no sender is configured for a channel.
	ErrChannelUnsupported = errors.New("dispatch: channel unsupported")
)
