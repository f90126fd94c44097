package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/conveyor/internal/config"
)

// errMalformedPair is returned for a k=v list that cannot be parsed.
var errMalformedPair = errors.New("malformed key=value list")

// parseKV parses "k1=v1,k2=v2". Keys must be in allowed and appear once;
// every allowed key is required.
func parseKV(s string, allowed ...string) (map[string]string, error) {
	known := make(map[string]struct{}, len(allowed))
	for _, k := range allowed {
		known[k] = struct{}{}
	}

	out := make(map[string]string, len(allowed))
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: %q", errMalformedPair, part)
		}
		if _, ok := known[k]; !ok {
			return nil, fmt.Errorf("%w: unknown key %q", errMalformedPair, k)
		}
		if _, dup := out[k]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", errMalformedPair, k)
		}
		out[k] = strings.TrimSpace(v)
	}

	var missing []string
	for k := range known {
		if _, ok := out[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: missing %s", errMalformedPair, strings.Join(missing, ", "))
	}
	return out, nil
}

func atoi(kv map[string]string, key string) (int, error) {
	n, err := strconv.Atoi(kv[key])
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer: %q", errMalformedPair, key, kv[key])
	}
	return n, nil
}

// parseContribution parses a --decision-contribution value. Range and enum
// checks are left to config validation.
func parseContribution(s string) (config.Contribution, error) {
	kv, err := parseKV(s, "contributor_id", "capability", "vote", "confidence", "weight")
	if err != nil {
		return config.Contribution{}, err
	}
	confidence, err := atoi(kv, "confidence")
	if err != nil {
		return config.Contribution{}, err
	}
	weight, err := atoi(kv, "weight")
	if err != nil {
		return config.Contribution{}, err
	}
	return config.Contribution{
		ContributorID: kv["contributor_id"],
		Capability:    kv["capability"],
		Vote:          kv["vote"],
		Confidence:    confidence,
		Weight:        weight,
	}, nil
}

// parseVerdict parses a --reviewer-verdict value.
func parseVerdict(s string) (config.Verdict, error) {
	kv, err := parseKV(s, "specialty", "verdict", "confidence", "weight")
	if err != nil {
		return config.Verdict{}, err
	}
	confidence, err := atoi(kv, "confidence")
	if err != nil {
		return config.Verdict{}, err
	}
	weight, err := atoi(kv, "weight")
	if err != nil {
		return config.Verdict{}, err
	}
	return config.Verdict{
		Specialty:  kv["specialty"],
		Verdict:    kv["verdict"],
		Confidence: confidence,
		Weight:     weight,
	}, nil
}
