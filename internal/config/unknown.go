package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions.
const maxLevenshteinDistance = 3

// sectionKeys maps each top-level section to its valid keys, derived from
// the toml tags so the two cannot drift apart.
var sectionKeys = map[string][]string{
	"logging":  tomlKeys(LoggingConfig{}),
	"network":  tomlKeys(NetworkConfig{}),
	"transfer": tomlKeys(TransferConfig{}),
}

// backendKeys are the valid keys inside any [backends.<name>] section.
var backendKeys = tomlKeys(Backend{})

// topLevelKeys are the valid section names.
var topLevelKeys = func() []string {
	keys := []string{"backends"}
	for k := range sectionKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// tomlKeys returns the sorted toml tag names of a struct's fields.
func tomlKeys(v any) []string {
	t := reflect.TypeOf(v)
	keys := make([]string, 0, t.NumField())

	for i := range t.NumField() {
		if tag, _, _ := strings.Cut(t.Field(i).Tag.Get("toml"), ","); tag != "" && tag != "-" {
			keys = append(keys, tag)
		}
	}

	sort.Strings(keys)

	return keys
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns an
// error with "did you mean?" suggestions for each.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	// An unknown table is reported once, not once per key inside it.
	seen := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(key)
		if seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	switch {
	case len(key) == 1:
		return suggest(fmt.Sprintf("unknown config key %q", key[0]), key[0], topLevelKeys)
	case key[0] == "backends" && len(key) >= 3:
		return suggest(fmt.Sprintf("unknown key %q in [backends.%s]", key[2], key[1]), key[2], backendKeys)
	case key[0] == "backends":
		return fmt.Errorf("backend %q must be a table", key[1])
	default:
		known, ok := sectionKeys[key[0]]
		if !ok {
			return suggest(fmt.Sprintf("unknown config key %q", key[0]), key[0], topLevelKeys)
		}

		return suggest(fmt.Sprintf("unknown config key %q in [%s]", key[1], key[0]), key[1], known)
	}
}

func suggest(msg, unknown string, known []string) error {
	if s := closestMatch(unknown, known); s != "" {
		return fmt.Errorf("%s, did you mean %q?", msg, s)
	}

	return errors.New(msg)
}

// closestMatch finds the closest known key by Levenshtein distance, or ""
// when none is within maxLevenshteinDistance. Ties go to the first key in
// sorted order.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		if d := levenshtein(unknown, k); d < bestDist {
			bestDist = d
			best = k
		}
	}

	return best
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
