// Package validate implements Hydrogen's structural and security validation
// pipeline plus the sanitizer that normalizes a message after validation.
// Detectors are compiled once at init and reused across every call rather
// than recompiled per message.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"hydrogen/internal/message"
)

// Limits bounds the size of an accepted message (spec.md §3 invariants).
type Limits struct {
	MaxMessageSize int
	MaxObjectDepth int
	MaxStringLength int
	MaxArraySize    int
}

// DefaultLimits matches the defaults named in spec.md §3.
func DefaultLimits() Limits {
	return Limits{
		MaxMessageSize:  1 << 20, // 1 MiB
		MaxObjectDepth:  10,
		MaxStringLength: 10_000,
		MaxArraySize:    1_000,
	}
}

// SecurityConfig toggles which security checks run and what they block.
type SecurityConfig struct {
	Enabled             bool
	RejectSQLKeywords   bool
	RejectBlockedSubstr bool
	AllowedCommands     map[string]bool // nil means unrestricted
	AllowedEvents       map[string]bool // nil means unrestricted
	BlockedSubstrings   []string
	StripHTMLTags       bool
}

// DefaultSecurityConfig enables warnings for every pattern class without
// rejecting anything but blocked substrings, matching spec.md §4.2's
// "record warning" default posture.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		Enabled:             true,
		RejectSQLKeywords:   false,
		RejectBlockedSubstr: true,
		StripHTMLTags:       true,
	}
}

// Result is the outcome of Validate.
type Result struct {
	Valid     bool
	Errors    []string
	Warnings  []string
	Sanitized *message.Message
}

var (
	sqlKeywordRe     = regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP|UNION|EXEC|ALTER|CREATE)\b`)
	xssPatternRe     = regexp.MustCompile(`(?i)(<script|javascript:|on\w+\s*=|eval\(|document\.cookie)`)
	pathTraversalRe  = regexp.MustCompile(`(\.\./|\.\.\\|%2e%2e%2f|%2e%2e/|\.\.%2f)`)
	htmlTagRe        = regexp.MustCompile(`<[^>]*>`)
	isoTimestampRe   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?Z$`)
	knownStatuses    = map[message.Status]bool{
		message.StatusSuccess: true, message.StatusError: true,
		message.StatusPending: true, message.StatusTimeout: true,
		message.StatusCancelled: true, message.StatusPartial: true,
	}
)

// Validator runs the structural and security passes and the sanitizer.
type Validator struct {
	limits   Limits
	security SecurityConfig
}

// New builds a Validator with the given limits and security configuration.
func New(limits Limits, security SecurityConfig) *Validator {
	return &Validator{limits: limits, security: security}
}

// Validate runs both passes over msg and, if sanitize is true, returns a
// sanitized copy alongside any warnings/errors collected.
func (v *Validator) Validate(msg *message.Message, sanitize bool) *Result {
	res := &Result{Valid: true}

	v.structural(msg, res)
	if v.security.Enabled {
		v.scanSecurity(msg, res)
	}

	if len(res.Errors) > 0 {
		res.Valid = false
	}

	if sanitize {
		res.Sanitized = v.Sanitize(msg)
	}

	return res
}

func (v *Validator) structural(msg *message.Message, res *Result) {
	if msg.MessageID == "" {
		res.Errors = append(res.Errors, "messageId must not be empty")
	}
	if msg.Timestamp == "" {
		res.Errors = append(res.Errors, "timestamp must not be empty")
	} else if !isoTimestampRe.MatchString(msg.Timestamp) {
		res.Errors = append(res.Errors, "timestamp is not ISO-8601 with millisecond precision")
	}
	if msg.MessageType == "" {
		res.Errors = append(res.Errors, "messageType must not be empty")
	}

	switch msg.MessageType {
	case message.TypeCommand:
		v.validateCommand(msg, res)
	case message.TypeResponse:
		v.validateResponse(msg, res)
	case message.TypeEvent:
		v.validateEvent(msg, res)
	case message.TypeError:
		v.validateError(msg, res)
	}

	if (msg.MessageType == message.TypeResponse || msg.MessageType == message.TypeError) && msg.OriginalMessageID == "" {
		res.Errors = append(res.Errors, "originalMessageId is required for RESPONSE/ERROR")
	}

	encoded, err := json.Marshal(msg)
	if err == nil && len(encoded) > v.limits.MaxMessageSize {
		res.Errors = append(res.Errors, fmt.Sprintf("message exceeds maxMessageSize (%d > %d)", len(encoded), v.limits.MaxMessageSize))
	}

	v.checkBounds("parameters", msg.Parameters, 0, res)
	v.checkBounds("properties", msg.Properties, 0, res)
	v.checkBounds("details", msg.Details, 0, res)
}

func (v *Validator) validateCommand(msg *message.Message, res *Result) {
	if msg.Command == "" {
		res.Errors = append(res.Errors, "command must not be empty")
		return
	}
	if len(msg.Command) > 100 {
		res.Errors = append(res.Errors, "command exceeds 100 characters")
	}
	if v.security.AllowedCommands != nil && !v.security.AllowedCommands[msg.Command] {
		res.Errors = append(res.Errors, fmt.Sprintf("command %q is not allow-listed", msg.Command))
	}
}

func (v *Validator) validateResponse(msg *message.Message, res *Result) {
	if msg.Status != "" && !knownStatuses[msg.Status] {
		res.Errors = append(res.Errors, "status is not a recognized value")
	}
}

func (v *Validator) validateEvent(msg *message.Message, res *Result) {
	if msg.Event == "" {
		res.Errors = append(res.Errors, "event must not be empty")
		return
	}
	if v.security.AllowedEvents != nil && !v.security.AllowedEvents[msg.Event] {
		res.Errors = append(res.Errors, fmt.Sprintf("event %q is not allow-listed", msg.Event))
	}
}

func (v *Validator) validateError(msg *message.Message, res *Result) {
	if msg.ErrorCode == "" {
		res.Errors = append(res.Errors, "errorCode must not be empty")
	}
	if msg.ErrorMessage == "" {
		res.Errors = append(res.Errors, "errorMessage must not be empty")
	}
}

// checkBounds recursively verifies array/object/string/depth limits.
func (v *Validator) checkBounds(field string, obj map[string]interface{}, depth int, res *Result) {
	if obj == nil {
		return
	}
	if depth > v.limits.MaxObjectDepth {
		res.Errors = append(res.Errors, fmt.Sprintf("%s exceeds maxObjectDepth", field))
		return
	}
	for k, val := range obj {
		v.checkValueBounds(field+"."+k, val, depth+1, res)
	}
}

func (v *Validator) checkValueBounds(path string, val interface{}, depth int, res *Result) {
	switch x := val.(type) {
	case string:
		if len(x) > v.limits.MaxStringLength {
			res.Errors = append(res.Errors, fmt.Sprintf("%s exceeds maxStringLength", path))
		}
	case []interface{}:
		if len(x) > v.limits.MaxArraySize {
			res.Errors = append(res.Errors, fmt.Sprintf("%s exceeds maxArraySize", path))
		}
		for i, item := range x {
			v.checkValueBounds(fmt.Sprintf("%s[%d]", path, i), item, depth+1, res)
		}
	case map[string]interface{}:
		if depth > v.limits.MaxObjectDepth {
			res.Errors = append(res.Errors, fmt.Sprintf("%s exceeds maxObjectDepth", path))
			return
		}
		for k, v2 := range x {
			v.checkValueBounds(path+"."+k, v2, depth+1, res)
		}
	}
}

// scanSecurity inspects every string field (and the whole JSON-stringified
// message) for SQL/XSS/path-traversal/blocked-substring patterns. The JSON
// is encoded without HTML escaping so `<`, `>` and `&` stay literal.
func (v *Validator) scanSecurity(msg *message.Message, res *Result) {
	var whole bytes.Buffer
	enc := json.NewEncoder(&whole)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(msg)
	v.scanText(whole.String(), res)
}

func (v *Validator) scanText(s string, res *Result) {
	if sqlKeywordRe.MatchString(s) {
		msg := "possible SQL keyword detected"
		if v.security.RejectSQLKeywords {
			res.Errors = append(res.Errors, msg)
		} else {
			res.Warnings = append(res.Warnings, msg)
		}
	}
	if xssPatternRe.MatchString(s) {
		res.Warnings = append(res.Warnings, "possible XSS pattern detected")
	}
	if pathTraversalRe.MatchString(s) {
		res.Warnings = append(res.Warnings, "possible path traversal pattern detected")
	}
	for _, blocked := range v.security.BlockedSubstrings {
		if blocked != "" && strings.Contains(s, blocked) {
			msg := fmt.Sprintf("blocked substring %q present", blocked)
			if v.security.RejectBlockedSubstr {
				res.Errors = append(res.Errors, msg)
			} else {
				res.Warnings = append(res.Warnings, msg)
			}
		}
	}
}

// Sanitize normalizes msg: strips disallowed HTML, doubles single quotes,
// truncates strings, and bounds nested structures. Sanitize is idempotent —
// Validate on its own output must yield no errors (spec.md §4.2).
func (v *Validator) Sanitize(msg *message.Message) *message.Message {
	clone := msg.Clone()
	clone.Command = v.sanitizeString(clone.Command)
	clone.Event = v.sanitizeString(clone.Event)
	clone.ErrorMessage = v.sanitizeString(clone.ErrorMessage)
	clone.Parameters = v.sanitizeMap(clone.Parameters, 0)
	clone.Properties = v.sanitizeMap(clone.Properties, 0)
	clone.Details = v.sanitizeMap(clone.Details, 0)
	return clone
}

func (v *Validator) sanitizeString(s string) string {
	if s == "" {
		return s
	}
	if v.security.StripHTMLTags {
		s = htmlTagRe.ReplaceAllString(s, "")
	}
	// Unescape before re-escaping so a second Sanitize pass over an
	// already-escaped string is a no-op instead of doubling again.
	s = strings.ReplaceAll(s, "''", "'")
	s = strings.ReplaceAll(s, "'", "''")
	if len(s) > v.limits.MaxStringLength {
		s = s[:v.limits.MaxStringLength]
	}
	return s
}

func (v *Validator) sanitizeMap(obj map[string]interface{}, depth int) map[string]interface{} {
	if obj == nil {
		return nil
	}
	if depth >= v.limits.MaxObjectDepth {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(obj))
	count := 0
	for k, val := range obj {
		if count >= v.limits.MaxArraySize {
			break
		}
		out[k] = v.sanitizeValue(val, depth+1)
		count++
	}
	return out
}

func (v *Validator) sanitizeValue(val interface{}, depth int) interface{} {
	switch x := val.(type) {
	case string:
		return v.sanitizeString(x)
	case map[string]interface{}:
		return v.sanitizeMap(x, depth)
	case []interface{}:
		limit := len(x)
		if limit > v.limits.MaxArraySize {
			limit = v.limits.MaxArraySize
		}
		out := make([]interface{}, 0, limit)
		for i := 0; i < limit; i++ {
			out = append(out, v.sanitizeValue(x[i], depth+1))
		}
		return out
	default:
		// numbers, booleans, nil pass through unchanged.
		return val
	}
}

// ValidTimestamp reports whether s parses as this package's ISO-8601 layout.
func ValidTimestamp(s string) bool {
	if !isoTimestampRe.MatchString(s) {
		return false
	}
	_, err := time.Parse("2006-01-02T15:04:05.000Z", s)
	if err != nil {
		_, err = time.Parse("2006-01-02T15:04:05Z", s)
	}
	return err == nil
}
