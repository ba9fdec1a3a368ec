package dbtypes

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// StringSet stores a deduplicated, order-insensitive set of strings as a JSON
// array. Stored sorted so equal sets compare equal at the column level.
type StringSet []string

// NewStringSet normalizes raw values into a StringSet.
func NewStringSet(values ...string) StringSet {
	set := StringSet{}
	return set.Union(values)
}

func (s *StringSet) Scan(src any) error {
	if src == nil {
		*s = StringSet{}
		return nil
	}

	switch v := src.(type) {
	case string:
		return s.parseFromJSON([]byte(v))
	case []byte:
		return s.parseFromJSON(v)
	default:
		return fmt.Errorf("StringSet: unsupported Scan type %T", src)
	}
}

func (s StringSet) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	payload, err := json.Marshal([]string(s))
	if err != nil {
		return nil, fmt.Errorf("StringSet: marshal: %w", err)
	}
	return string(payload), nil
}

// Union returns a new set containing the receiver plus the provided values.
func (s StringSet) Union(values []string) StringSet {
	seen := make(map[string]bool, len(s)+len(values))
	out := make([]string, 0, len(s)+len(values))
	for _, group := range [][]string{s, values} {
		for _, v := range group {
			v = strings.TrimSpace(v)
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return StringSet(out)
}

// Contains reports set membership.
func (s StringSet) Contains(value string) bool {
	for _, v := range s {
		if v == value {
			return true
		}
	}
	return false
}

func (s *StringSet) parseFromJSON(raw []byte) error {
	if len(raw) == 0 {
		*s = StringSet{}
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("StringSet: parse %q: %w", string(raw), err)
	}
	*s = NewStringSet(values...)
	return nil
}
