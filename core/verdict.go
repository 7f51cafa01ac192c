package core

import (
	"fmt"
	"time"
)

// ThreatLevel classifies how dangerous an event looks
type ThreatLevel int

const (
	LevelSafe ThreatLevel = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l ThreatLevel) String() string {
	switch l {
	case LevelSafe:
		return "SAFE"
	case LevelLow:
		return "LOW"
	case LevelMedium:
		return "MEDIUM"
	case LevelHigh:
		return "HIGH"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("ThreatLevel(%d)", int(l))
	}
}

// Action is a verdict's recommended response
type Action int

const (
	ActionAllow Action = iota
	ActionLog
	ActionChallenge
	ActionThrottle
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "ALLOW"
	case ActionLog:
		return "LOG"
	case ActionChallenge:
		return "CHALLENGE"
	case ActionThrottle:
		return "THROTTLE"
	case ActionBlock:
		return "BLOCK"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ThreatVerdict is a module's classification of a single event
type ThreatVerdict struct {
	Level    ThreatLevel
	Reason   string
	ModuleID string
	Action   Action

	// Target identifies what to block (IP, user id, fingerprint key)
	Target string

	// BlockDurationSeconds of 0 means permanent when Action is BLOCK
	BlockDurationSeconds int64

	Timestamp time.Time
}

// Safe creates an allow verdict
func Safe(moduleID string) ThreatVerdict {
	return ThreatVerdict{
		Level:     LevelSafe,
		Reason:    "No threat detected",
		ModuleID:  moduleID,
		Action:    ActionAllow,
		Timestamp: time.Now(),
	}
}

// Suspicious creates a medium-level log-only verdict
func Suspicious(moduleID, reason, target string) ThreatVerdict {
	return ThreatVerdict{
		Level:     LevelMedium,
		Reason:    reason,
		ModuleID:  moduleID,
		Action:    ActionLog,
		Target:    target,
		Timestamp: time.Now(),
	}
}

// Challenge creates a high-level verdict asking the client to prove itself
func Challenge(moduleID, reason, target string) ThreatVerdict {
	return ThreatVerdict{
		Level:     LevelHigh,
		Reason:    reason,
		ModuleID:  moduleID,
		Action:    ActionChallenge,
		Target:    target,
		Timestamp: time.Now(),
	}
}

// Throttle creates a high-level rate limiting verdict
func Throttle(moduleID, reason, target string) ThreatVerdict {
	return ThreatVerdict{
		Level:     LevelHigh,
		Reason:    reason,
		ModuleID:  moduleID,
		Action:    ActionThrottle,
		Target:    target,
		Timestamp: time.Now(),
	}
}

// Block creates a critical verdict that denies the request
func Block(moduleID, reason, target string, durationSeconds int64) ThreatVerdict {
	return ThreatVerdict{
		Level:                LevelCritical,
		Reason:               reason,
		ModuleID:             moduleID,
		Action:               ActionBlock,
		Target:               target,
		BlockDurationSeconds: durationSeconds,
		Timestamp:            time.Now(),
	}
}

// IsThreat reports whether the verdict is worth acting on
func (v ThreatVerdict) IsThreat() bool {
	return v.Level != LevelSafe && v.Level != LevelLow
}

// ShouldBlock reports whether the recommended action is a hard block
func (v ThreatVerdict) ShouldBlock() bool {
	return v.Action == ActionBlock
}

func (v ThreatVerdict) String() string {
	return fmt.Sprintf("ThreatVerdict{level=%s, action=%s, module=%s, reason=%q, target=%q}",
		v.Level, v.Action, v.ModuleID, v.Reason, v.Target)
}
