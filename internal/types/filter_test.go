package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func TestFilterMatches(t *testing.T) {
	evt := &Event{
		ID:        "e1",
		PubKey:    "alice",
		CreatedAt: 1000,
		Kind:      1,
		Tags:      [][]string{{"t", "ilp"}, {"e", "root", "", "reply"}},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches all", Filter{}, true},
		{"id", Filter{IDs: []string{"x", "e1"}}, true},
		{"id miss", Filter{IDs: []string{"x"}}, false},
		{"author", Filter{Authors: []string{"alice"}}, true},
		{"author miss", Filter{Authors: []string{"bob"}}, false},
		{"kind", Filter{Kinds: []int{0, 1}}, true},
		{"kind miss", Filter{Kinds: []int{7}}, false},
		{"since inclusive", Filter{Since: int64Ptr(1000)}, true},
		{"since after", Filter{Since: int64Ptr(1001)}, false},
		{"until inclusive", Filter{Until: int64Ptr(1000)}, true},
		{"until before", Filter{Until: int64Ptr(999)}, false},
		{"tag", Filter{Tags: map[string][]string{"t": {"nostr", "ilp"}}}, true},
		{"tag miss", Filter{Tags: map[string][]string{"t": {"nostr"}}}, false},
		{"tag absent", Filter{Tags: map[string][]string{"p": {"bob"}}}, false},
		{"empty tag values ignored", Filter{Tags: map[string][]string{"p": {}}}, true},
		{"all fields", Filter{
			Authors: []string{"alice"}, Kinds: []int{1}, Since: int64Ptr(1), Until: int64Ptr(2000),
			Tags: map[string][]string{"e": {"root"}},
		}, true},
		{"one field fails", Filter{Authors: []string{"alice"}, Kinds: []int{2}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(evt))
		})
	}

	assert.False(t, (&Filter{}).Matches(nil))
}

func TestFiltersMatchIsDisjunction(t *testing.T) {
	evt := &Event{ID: "e1", PubKey: "alice", Kind: 1}
	fs := Filters{{Kinds: []int{7}}, {Authors: []string{"alice"}}}
	assert.True(t, fs.Match(evt))
	assert.False(t, Filters{{Kinds: []int{7}}}.Match(evt))
	assert.False(t, Filters{}.Match(evt))
}

func TestFilterJSONRoundTrip(t *testing.T) {
	f := Filter{
		Authors: []string{"alice"},
		Kinds:   []int{1, 30023},
		Since:   int64Ptr(10),
		Limit:   5,
		Tags:    map[string][]string{"e": {"root"}, "t": {"ilp"}},
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"authors":["alice"],"kinds":[1,30023],"since":10,"limit":5,"#e":["root"],"#t":["ilp"]}`, string(data))

	var back Filter
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, f, back)
	assert.Equal(t, []string{"e", "t"}, back.TagNames())
}

func TestFilterUnmarshalEdgeCases(t *testing.T) {
	var f Filter
	require.NoError(t, json.Unmarshal([]byte(`{"kinds":[1],"search":"ignored"}`), &f))
	assert.Equal(t, []int{1}, f.Kinds)

	var fe *FilterError
	err := json.Unmarshal([]byte(`{"#topic":["x"]}`), &f)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "#topic", fe.Field)

	err = json.Unmarshal([]byte(`{"kinds":"one"}`), &f)
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "kinds", fe.Field)

	require.NoError(t, json.Unmarshal([]byte(`{}`), &f))
	assert.True(t, f.IsEmpty())
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, (&Filter{Kinds: []int{0, 65535}}).Validate())

	var fe *FilterError
	assert.ErrorAs(t, (&Filter{Limit: -1}).Validate(), &fe)
	assert.ErrorAs(t, (&Filter{Kinds: []int{70000}}).Validate(), &fe)
	assert.ErrorAs(t, (&Filter{Tags: map[string][]string{"ab": {"x"}}}).Validate(), &fe)
}

func TestEventTagHelpers(t *testing.T) {
	evt := &Event{Tags: [][]string{{"e", "a"}, {"p", "b"}, {"e", "c"}, {"e"}}}
	assert.Equal(t, []string{"a", "c"}, evt.TagValues("e"))
	assert.Nil(t, evt.TagValues("x"))
	assert.True(t, evt.HasTag("p", []string{"z", "b"}))
	assert.False(t, evt.HasTag("p", []string{"z"}))
}
