package schedule

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Strategy resolves the concrete schedule a plan applies to a given
// participant. Resolution must be pure and stable: the same participant and
// plan always resolve to the same schedule, so regenerated tasks line up with
// previously persisted ones.
type Strategy interface {
	Resolve(planGUID, healthCode string) (Schedule, bool)
	Validate() error
}

// SimpleStrategy always resolves to one fixed schedule.
type SimpleStrategy struct {
	Schedule Schedule `json:"schedule"`
}

func (s SimpleStrategy) Resolve(planGUID, healthCode string) (Schedule, bool) {
	return s.Schedule, true
}

func (s SimpleStrategy) Validate() error {
	return s.Schedule.Validate()
}

// Variant pairs a weight percentage with a schedule.
type Variant struct {
	Weight   int      `json:"weight"`
	Schedule Schedule `json:"schedule"`
}

// WeightedStrategy assigns participants to schedule variants by a stable hash
// of the health code mapped into cumulative weight ranges, lowest offset
// first. Weights need not sum to 100; a participant whose bucket falls beyond
// the total weight resolves to no schedule for the plan.
type WeightedStrategy struct {
	Variants []Variant `json:"variants"`
}

func (s WeightedStrategy) Resolve(planGUID, healthCode string) (Schedule, bool) {
	total := 0
	for _, v := range s.Variants {
		total += v.Weight
	}
	if total <= 0 {
		return Schedule{}, false
	}
	modulus := total
	if modulus < 100 {
		modulus = 100
	}
	bucket := int(assignmentBucket(planGUID, healthCode, uint64(modulus)))
	offset := 0
	for _, v := range s.Variants {
		if bucket < offset+v.Weight {
			return v.Schedule, true
		}
		offset += v.Weight
	}
	return Schedule{}, false
}

func (s WeightedStrategy) Validate() error {
	if len(s.Variants) == 0 {
		return fmt.Errorf("weighted strategy requires at least one variant")
	}
	for i, v := range s.Variants {
		if v.Weight < 0 {
			return fmt.Errorf("variant %d: weight must be >= 0", i)
		}
		if err := v.Schedule.Validate(); err != nil {
			return fmt.Errorf("variant %d: %w", i, err)
		}
	}
	return nil
}

// assignmentBucket derives the participant's stable bucket from a name-based
// UUID over the health code and plan GUID. SHA-1 UUIDs give a uniform,
// platform-independent hash that never changes for a given input pair.
func assignmentBucket(planGUID, healthCode string, modulus uint64) uint64 {
	id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(healthCode+"|"+planGUID))
	return binary.BigEndian.Uint64(id[:8]) % modulus
}

// strategyEnvelope is the wire form plans store their strategy in.
type strategyEnvelope struct {
	Type     string          `json:"type"`
	Schedule json.RawMessage `json:"schedule,omitempty"`
	Variants json.RawMessage `json:"variants,omitempty"`
}

// ParseStrategy decodes a stored strategy document.
func ParseStrategy(data []byte) (Strategy, error) {
	var env strategyEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid strategy json: %w", err)
	}
	switch env.Type {
	case "simple":
		var s SimpleStrategy
		if err := json.Unmarshal(env.Schedule, &s.Schedule); err != nil {
			return nil, fmt.Errorf("invalid simple strategy: %w", err)
		}
		return s, nil
	case "weighted":
		var s WeightedStrategy
		if err := json.Unmarshal(env.Variants, &s.Variants); err != nil {
			return nil, fmt.Errorf("invalid weighted strategy: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown strategy type %q", env.Type)
	}
}

// MarshalStrategy encodes a strategy into its wire form.
func MarshalStrategy(s Strategy) ([]byte, error) {
	switch v := s.(type) {
	case SimpleStrategy:
		sched, err := json.Marshal(v.Schedule)
		if err != nil {
			return nil, err
		}
		return json.Marshal(strategyEnvelope{Type: "simple", Schedule: sched})
	case WeightedStrategy:
		variants, err := json.Marshal(v.Variants)
		if err != nil {
			return nil, err
		}
		return json.Marshal(strategyEnvelope{Type: "weighted", Variants: variants})
	default:
		return nil, fmt.Errorf("unknown strategy %T", s)
	}
}
