// Package rules parses user-defined automation rules and evaluates them
// against item batches.
//
// Condition payloads are dynamic JSON on the wire. They are validated and
// converted to tagged variants at rule-load time so the evaluation hot path
// only branches on the tag.
package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"boxpilot/internal/storage"
)

// Condition types.
const (
	TypeSeedingTime            = "SEEDING_TIME"
	TypeAge                    = "AGE"
	TypeLastDownloadActivityAt = "LAST_DOWNLOAD_ACTIVITY_AT"
	TypeLastUploadActivityAt   = "LAST_UPLOAD_ACTIVITY_AT"
	TypeProgress               = "PROGRESS"
	TypeDownloadSpeed          = "DOWNLOAD_SPEED"
	TypeUploadSpeed            = "UPLOAD_SPEED"
	TypeAvgDownloadSpeed       = "AVG_DOWNLOAD_SPEED"
	TypeAvgUploadSpeed         = "AVG_UPLOAD_SPEED"
	TypeETA                    = "ETA"
	TypeDownloadStalledTime    = "DOWNLOAD_STALLED_TIME"
	TypeUploadStalledTime      = "UPLOAD_STALLED_TIME"
	TypeSeeds                  = "SEEDS"
	TypePeers                  = "PEERS"
	TypeRatio                  = "RATIO"
	TypeTotalUploaded          = "TOTAL_UPLOADED"
	TypeTotalDownloaded        = "TOTAL_DOWNLOADED"
	TypeFileSize               = "FILE_SIZE"
	TypeFileCount              = "FILE_COUNT"
	TypeAvailability           = "AVAILABILITY"
	TypeExpiresAt              = "EXPIRES_AT"
	TypeName                   = "NAME"
	TypeTracker                = "TRACKER"
	TypePrivate                = "PRIVATE"
	TypeCached                 = "CACHED"
	TypeAllowZip               = "ALLOW_ZIP"
	TypeIsActive               = "IS_ACTIVE"
	TypeSeedingEnabled         = "SEEDING_ENABLED"
	TypeLongTermSeeding        = "LONG_TERM_SEEDING"
	TypeStatus                 = "STATUS"
	TypeTags                   = "TAGS"
)

// Kind tags the validated payload shape of a condition.
type Kind int

const (
	KindInvalid Kind = iota
	KindNumeric
	KindString
	KindBool
	KindStatusList
	KindTagList
)

var numericTypes = map[string]bool{
	TypeSeedingTime: true, TypeAge: true,
	TypeLastDownloadActivityAt: true, TypeLastUploadActivityAt: true,
	TypeProgress: true, TypeDownloadSpeed: true, TypeUploadSpeed: true,
	TypeAvgDownloadSpeed: true, TypeAvgUploadSpeed: true,
	TypeETA: true, TypeDownloadStalledTime: true, TypeUploadStalledTime: true,
	TypeSeeds: true, TypePeers: true, TypeRatio: true,
	TypeTotalUploaded: true, TypeTotalDownloaded: true,
	TypeFileSize: true, TypeFileCount: true,
	TypeAvailability: true, TypeExpiresAt: true,
}

var stringTypes = map[string]bool{
	TypeName: true, TypeTracker: true,
}

var boolTypes = map[string]bool{
	TypePrivate: true, TypeCached: true, TypeAllowZip: true,
	TypeIsActive: true, TypeSeedingEnabled: true, TypeLongTermSeeding: true,
}

var numericOperators = map[string]bool{
	"gt": true, "lt": true, "gte": true, "lte": true, "eq": true,
}

var stringOperators = map[string]bool{
	"contains": true, "not_contains": true,
	"equals": true, "not_equals": true,
	"starts_with": true, "ends_with": true,
}

var statusOperators = map[string]bool{
	"is_any_of": true, "is_none_of": true,
}

// Tag set operators plus their is_*_of synonyms, normalized at load.
var tagOperatorSynonyms = map[string]string{
	"has_any": "has_any", "has_all": "has_all", "has_none": "has_none",
	"is_any_of": "has_any", "is_all_of": "has_all", "is_none_of": "has_none",
}

// Condition is a validated, tagged condition. Invalid conditions keep
// Kind == KindInvalid and evaluate to no-match.
type Condition struct {
	Type     string
	Operator string
	Kind     Kind

	Number      float64  // KindNumeric comparison value
	Text        string   // KindString comparison value (lowercased)
	Values      []string // KindStatusList
	TagIDs      []uint   // KindTagList
	Bool        bool     // KindBool equality value
	BoolCmp     float64  // KindBool numeric form (0/1), valid when BoolNumeric
	BoolNumeric bool

	Hours float64 // AVG_* window

	// InvalidReason describes why validation failed, logged once per shape.
	InvalidReason string
}

// Group is an ordered set of conditions combined with one operator.
type Group struct {
	Conditions    []Condition
	LogicOperator string // "and" | "or"
}

// Trigger limits how often a rule may be evaluated.
type Trigger struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"` // minutes, floored at 1
}

// Rule is a parsed automation rule ready for evaluation.
type Rule struct {
	ID              uint
	Name            string
	Enabled         bool
	Trigger         *Trigger
	Groups          []Group
	LogicOperator   string // combines group results
	Legacy          bool   // loaded from the flat pre-group format
	ActionConfig    string // raw JSON, parsed by the actions package
	LastEvaluatedAt string
	ExecutionCount  int64
}

// rawCondition mirrors the wire shape before validation.
type rawCondition struct {
	Type     string          `json:"type"`
	Operator string          `json:"operator"`
	Value    json.RawMessage `json:"value"`
	Hours    float64         `json:"hours"`
}

type rawGroup struct {
	Conditions    []rawCondition `json:"conditions"`
	LogicOperator string         `json:"logicOperator"`
}

type rawConditions struct {
	Groups        []rawGroup     `json:"groups"`
	Conditions    []rawCondition `json:"conditions"`
	LogicOperator string         `json:"logicOperator"`
}

// ParseRule converts a stored rule row into its validated form. A malformed
// trigger or conditions document fails the whole rule; individual bad
// conditions degrade to no-match instead.
func ParseRule(row storage.AutomationRule) (*Rule, error) {
	rule := &Rule{
		ID:              row.ID,
		Name:            row.Name,
		Enabled:         row.Enabled,
		ActionConfig:    row.ActionConfig,
		LastEvaluatedAt: row.LastEvaluatedAt,
		ExecutionCount:  row.ExecutionCount,
		LogicOperator:   "and",
	}

	if t := strings.TrimSpace(row.TriggerConfig); t != "" && t != "null" {
		var trig Trigger
		if err := json.Unmarshal([]byte(t), &trig); err != nil {
			return nil, fmt.Errorf("rule %d: bad trigger_config: %w", row.ID, err)
		}
		if trig.Type != "" {
			rule.Trigger = &trig
		}
	}

	doc := strings.TrimSpace(row.Conditions)
	if doc == "" || doc == "null" {
		// No conditions at all: treated as the new structure with no groups.
		return rule, nil
	}

	// A bare array is the oldest flat form.
	if strings.HasPrefix(doc, "[") {
		var conds []rawCondition
		if err := json.Unmarshal([]byte(doc), &conds); err != nil {
			return nil, fmt.Errorf("rule %d: bad conditions: %w", row.ID, err)
		}
		rule.Legacy = true
		rule.Groups = []Group{parseGroup(conds, "and")}
		return rule, nil
	}

	var raw rawConditions
	if err := json.Unmarshal([]byte(doc), &raw); err != nil {
		return nil, fmt.Errorf("rule %d: bad conditions: %w", row.ID, err)
	}

	switch {
	case raw.Groups != nil:
		if raw.LogicOperator != "" {
			rule.LogicOperator = normalizeLogicOp(raw.LogicOperator)
		}
		for _, g := range raw.Groups {
			rule.Groups = append(rule.Groups, parseGroup(g.Conditions, g.LogicOperator))
		}
	case raw.Conditions != nil:
		// Legacy flat form migrates to a single implicit group; the original
		// JSON stays in storage untouched for round-tripping.
		rule.Legacy = true
		rule.Groups = []Group{parseGroup(raw.Conditions, raw.LogicOperator)}
	}

	return rule, nil
}

// ConditionCount returns the total number of conditions across groups.
func (r *Rule) ConditionCount() int {
	n := 0
	for _, g := range r.Groups {
		n += len(g.Conditions)
	}
	return n
}

// HasConditionType reports whether any group contains a condition of the
// given type. Used by the evaluator to decide which pre-loads it needs.
func (r *Rule) HasConditionType(types ...string) bool {
	for _, g := range r.Groups {
		for _, c := range g.Conditions {
			for _, t := range types {
				if c.Type == t {
					return true
				}
			}
		}
	}
	return false
}

// MaxAvgSpeedHours returns the widest hours window across AVG_* conditions.
func (r *Rule) MaxAvgSpeedHours() float64 {
	max := 0.0
	for _, g := range r.Groups {
		for _, c := range g.Conditions {
			if (c.Type == TypeAvgDownloadSpeed || c.Type == TypeAvgUploadSpeed) && c.Hours > max {
				max = c.Hours
			}
		}
	}
	return max
}

func normalizeLogicOp(op string) string {
	if strings.EqualFold(op, "or") {
		return "or"
	}
	return "and"
}

func parseGroup(conds []rawCondition, op string) Group {
	g := Group{LogicOperator: normalizeLogicOp(op)}
	for _, rc := range conds {
		g.Conditions = append(g.Conditions, parseCondition(rc))
	}
	return g
}

func parseCondition(rc rawCondition) Condition {
	c := Condition{Type: rc.Type, Operator: rc.Operator, Hours: rc.Hours}

	invalid := func(reason string) Condition {
		c.Kind = KindInvalid
		c.InvalidReason = reason
		return c
	}

	switch {
	case numericTypes[rc.Type]:
		if !numericOperators[rc.Operator] {
			return invalid("numeric condition requires operator gt/lt/gte/lte/eq")
		}
		n, err := decodeScalar(rc.Value)
		if err != nil {
			return invalid("numeric condition requires a scalar value")
		}
		c.Kind = KindNumeric
		c.Number = n
		if rc.Type == TypeAvgDownloadSpeed || rc.Type == TypeAvgUploadSpeed {
			if c.Hours <= 0 {
				return invalid("average speed condition requires hours > 0")
			}
		}

	case stringTypes[rc.Type]:
		if !stringOperators[rc.Operator] {
			return invalid("string condition requires a string operator")
		}
		var s string
		if err := json.Unmarshal(rc.Value, &s); err != nil {
			return invalid("string condition requires a string value")
		}
		c.Kind = KindString
		c.Text = strings.ToLower(s)

	case boolTypes[rc.Type]:
		switch rc.Operator {
		case "is_true":
			c.Kind = KindBool
			c.Bool = true
		case "is_false":
			c.Kind = KindBool
			c.Bool = false
		case "gt", "lt", "gte", "lte", "eq":
			n, err := decodeScalar(rc.Value)
			if err != nil {
				return invalid("boolean numeric compare requires 0 or 1")
			}
			c.Kind = KindBool
			c.BoolNumeric = true
			c.BoolCmp = n
		case "", "equals":
			b, err := decodeBool(rc.Value)
			if err != nil {
				return invalid("boolean condition requires a boolean value")
			}
			c.Kind = KindBool
			c.Bool = b
			c.Operator = "equals"
		default:
			return invalid("unknown boolean operator")
		}

	case rc.Type == TypeStatus:
		if !statusOperators[rc.Operator] {
			return invalid("status condition requires is_any_of/is_none_of")
		}
		var vals []string
		if err := json.Unmarshal(rc.Value, &vals); err != nil {
			return invalid("status condition requires a list value")
		}
		c.Kind = KindStatusList
		for _, v := range vals {
			c.Values = append(c.Values, strings.ToLower(v))
		}

	case rc.Type == TypeTags:
		op, ok := tagOperatorSynonyms[rc.Operator]
		if !ok {
			return invalid("tags condition requires has_any/has_all/has_none")
		}
		ids, err := decodeTagIDs(rc.Value)
		if err != nil {
			return invalid("tags condition requires a list of tag ids")
		}
		c.Kind = KindTagList
		c.Operator = op
		c.TagIDs = ids

	default:
		return invalid("unknown condition type")
	}

	return c
}

// decodeScalar accepts a JSON number or a numeric string.
func decodeScalar(raw json.RawMessage) (float64, error) {
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(strings.TrimSpace(s), 64)
	}
	return 0, fmt.Errorf("not a scalar")
}

// decodeBool accepts true|1|"true" and friends (wire truthiness).
func decodeBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n != 0, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1":
			return true, nil
		case "false", "0", "":
			return false, nil
		}
	}
	return false, fmt.Errorf("not a boolean")
}

// decodeTagIDs accepts a list of numbers or numeric strings.
func decodeTagIDs(raw json.RawMessage) ([]uint, error) {
	var nums []float64
	if err := json.Unmarshal(raw, &nums); err == nil {
		out := make([]uint, 0, len(nums))
		for _, n := range nums {
			if n < 0 {
				return nil, fmt.Errorf("negative tag id")
			}
			out = append(out, uint(n))
		}
		return out, nil
	}
	var strs []string
	if err := json.Unmarshal(raw, &strs); err == nil {
		out := make([]uint, 0, len(strs))
		for _, s := range strs {
			id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, uint(id))
		}
		return out, nil
	}
	return nil, fmt.Errorf("not a tag id list")
}
