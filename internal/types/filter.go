package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Filter represents a Nostr subscription filter (NIP-01).
// Every present field must be satisfied; a filter with no fields matches everything.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	// Tags holds "#x" tag filters keyed by the single tag letter (without '#').
	Tags  map[string][]string
	Limit int // 0 means unset
}

// Filters is an OR-list of filters.
type Filters []Filter

// FilterError describes a filter whose shape cannot be accepted.
type FilterError struct {
	Field  string
	Reason string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("invalid filter field %q: %s", e.Field, e.Reason)
}

// IsEmpty reports whether the filter constrains nothing.
func (f *Filter) IsEmpty() bool {
	return len(f.IDs) == 0 && len(f.Authors) == 0 && len(f.Kinds) == 0 &&
		f.Since == nil && f.Until == nil && len(f.Tags) == 0
}

// Matches reports whether evt satisfies every present field of the filter.
func (f *Filter) Matches(evt *Event) bool {
	if evt == nil {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !evt.HasTag(name, values) {
			return false
		}
	}
	return true
}

// Match reports whether evt matches at least one filter in the list.
func (fs Filters) Match(evt *Event) bool {
	for i := range fs {
		if fs[i].Matches(evt) {
			return true
		}
	}
	return false
}

// Validate checks the filter shape once at the protocol boundary.
func (f *Filter) Validate() error {
	if f.Limit < 0 {
		return &FilterError{Field: "limit", Reason: "must not be negative"}
	}
	for _, k := range f.Kinds {
		if k < 0 || k > 65535 {
			return &FilterError{Field: "kinds", Reason: fmt.Sprintf("kind %d out of range", k)}
		}
	}
	for name := range f.Tags {
		if !isTagLetter(name) {
			return &FilterError{Field: "#" + name, Reason: "tag filters must use a single letter"}
		}
	}
	return nil
}

func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	for name, values := range f.Tags {
		m["#"+name] = values
	}
	// map keys are emitted sorted, which keeps the encoding stable
	return json.Marshal(m)
}

func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*f = Filter{}
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &f.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &f.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &f.Kinds)
		case key == "since":
			f.Since = new(int64)
			err = json.Unmarshal(value, f.Since)
		case key == "until":
			f.Until = new(int64)
			err = json.Unmarshal(value, f.Until)
		case key == "limit":
			err = json.Unmarshal(value, &f.Limit)
		case strings.HasPrefix(key, "#"):
			name := key[1:]
			if !isTagLetter(name) {
				return &FilterError{Field: key, Reason: "tag filters must use a single letter"}
			}
			var values []string
			if err = json.Unmarshal(value, &values); err == nil {
				if f.Tags == nil {
					f.Tags = make(map[string][]string)
				}
				f.Tags[name] = values
			}
		default:
			// unknown fields (e.g. NIP-50 "search") are ignored
			continue
		}
		if err != nil {
			return &FilterError{Field: key, Reason: err.Error()}
		}
	}
	return nil
}

// TagNames returns the filter's tag letters in sorted order.
func (f *Filter) TagNames() []string {
	names := make([]string, 0, len(f.Tags))
	for name := range f.Tags {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isTagLetter(s string) bool {
	if len(s) != 1 {
		return false
	}
	c := s[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
