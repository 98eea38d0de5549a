// Package priority resolves the urgency level of a delivery request from the
// externally supplied priority table (priority level → list of
// PRODUCT_x.ATTEMPT_n keys).
package priority

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Table maps productType/attempt pairs to a priority level; lower is more
// urgent.
type Table struct {
	byKey map[string]int
}

// MissingMappingError reports a (productType, attempt) pair absent from the
// table. It is a configuration error, never retried.
type MissingMappingError struct {
	ProductType string
	Attempt     int
}

func (e *MissingMappingError) Error() string {
	return fmt.Sprintf("no priority mapping for %s", mappingKey(e.ProductType, e.Attempt))
}

func mappingKey(productType string, attempt int) string {
	return fmt.Sprintf("PRODUCT_%s.ATTEMPT_%d", productType, attempt)
}

// Parse reads the parameter-store payload, a JSON object keyed by priority
// level: {"1": ["PRODUCT_AR.ATTEMPT_1", ...], "2": [...]}.
func Parse(raw []byte) (Table, error) {
	var levels map[string][]string
	if err := json.Unmarshal(raw, &levels); err != nil {
		return Table{}, fmt.Errorf("parse priority table: %w", err)
	}
	t := Table{byKey: map[string]int{}}
	for levelStr, keys := range levels {
		level, err := strconv.Atoi(levelStr)
		if err != nil {
			return Table{}, fmt.Errorf("parse priority level %q: %w", levelStr, err)
		}
		for _, k := range keys {
			t.byKey[k] = level
		}
	}
	return t, nil
}

// Lookup returns the priority level for a product type and attempt.
func (t Table) Lookup(productType string, attempt int) (int, error) {
	level, ok := t.byKey[mappingKey(productType, attempt)]
	if !ok {
		return 0, &MissingMappingError{ProductType: productType, Attempt: attempt}
	}
	return level, nil
}

// Levels returns the distinct priority levels in ascending order.
func (t Table) Levels() []int {
	seen := map[int]bool{}
	for _, l := range t.byKey {
		seen[l] = true
	}
	levels := make([]int, 0, len(seen))
	for l := range seen {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	return levels
}
