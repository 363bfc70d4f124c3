package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
)

// Distribution spec type names accepted in the ValueDistribution field.
const (
	DistributionBernoulli = "bernoulliTrial"
	DistributionWeighted  = "weighted"
	DistributionUniform   = "uniform"
)

// Distribution selects one variant value for an identity. Selection is a
// pure function of (rule ID, owner identity, spec): repeated calls, in any
// process, produce the same variant.
type Distribution struct {
	kind        string
	probability float64         // bernoulliTrial
	weighted    []weightedValue // weighted, ordered by value for determinism
	totalWeight float64
	uniform     []any // uniform
}

type weightedValue struct {
	value  string
	weight float64
}

// ParseDistribution parses a distribution spec of the form
// {"type": ..., "args": ...}. Supported types are bernoulliTrial (args is a
// probability), weighted (args maps variant values to weights), and uniform
// (args is an array of variant values).
func ParseDistribution(payload []byte) (*Distribution, error) {
	var spec struct {
		Type string          `json:"type"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(payload, &spec); err != nil {
		return nil, fmt.Errorf("distribution is not a JSON object: %w", err)
	}

	switch spec.Type {
	case DistributionBernoulli:
		var probability float64
		if err := json.Unmarshal(spec.Args, &probability); err != nil {
			return nil, fmt.Errorf("bernoulliTrial args must be a probability: %w", err)
		}
		if probability < 0 || probability > 1 {
			return nil, fmt.Errorf("bernoulliTrial probability %v out of [0,1]", probability)
		}
		return &Distribution{kind: spec.Type, probability: probability}, nil

	case DistributionWeighted:
		var weights map[string]float64
		if err := json.Unmarshal(spec.Args, &weights); err != nil {
			return nil, fmt.Errorf("weighted args must map values to weights: %w", err)
		}
		if len(weights) == 0 {
			return nil, errors.New("weighted distribution has no values")
		}
		dist := &Distribution{kind: spec.Type}
		values := make([]string, 0, len(weights))
		for value := range weights {
			values = append(values, value)
		}
		sort.Strings(values)
		for _, value := range values {
			weight := weights[value]
			if weight < 0 {
				return nil, fmt.Errorf("weighted value %q has negative weight", value)
			}
			dist.weighted = append(dist.weighted, weightedValue{value: value, weight: weight})
			dist.totalWeight += weight
		}
		if dist.totalWeight == 0 {
			return nil, errors.New("weighted distribution weights sum to zero")
		}
		return dist, nil

	case DistributionUniform:
		var values []any
		if err := json.Unmarshal(spec.Args, &values); err != nil {
			return nil, fmt.Errorf("uniform args must be an array of values: %w", err)
		}
		if len(values) == 0 {
			return nil, errors.New("uniform distribution has no values")
		}
		return &Distribution{kind: spec.Type, uniform: values}, nil

	case "":
		return nil, errors.New("distribution type is required")
	default:
		return nil, fmt.Errorf("unknown distribution type %q", spec.Type)
	}
}

// Select picks the variant for the owner identity. The hash fraction is
// derived from (ruleID, owner.Type, owner.ID) only, so two rules with
// distinct IDs assign variants independently.
func (d *Distribution) Select(ruleID string, owner Identity) any {
	fraction := hashFraction(ruleID, owner)

	switch d.kind {
	case DistributionBernoulli:
		return fraction < d.probability

	case DistributionWeighted:
		target := fraction * d.totalWeight
		for _, candidate := range d.weighted {
			target -= candidate.weight
			if target < 0 {
				return candidate.value
			}
		}
		return d.weighted[len(d.weighted)-1].value

	default:
		index := int(fraction * float64(len(d.uniform)))
		if index == len(d.uniform) {
			index--
		}
		return d.uniform[index]
	}
}

// hashFraction maps the seed deterministically into [0, 1) using FNV-1a.
// Only the top 53 bits are used so the fraction is exact in a float64.
func hashFraction(ruleID string, owner Identity) float64 {
	h := fnv.New64a()
	h.Write([]byte(ruleID))
	h.Write([]byte{0})
	h.Write([]byte(owner.Type))
	h.Write([]byte{0})
	h.Write([]byte(owner.ID))

	return float64(h.Sum64()>>11) / float64(1<<53)
}
