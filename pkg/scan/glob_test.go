package scan

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hungtd9/heftydb/pkg/key"
)

func TestMatchGlob(t *testing.T) {
	records := []key.Record{
		{Key: []byte("key1"), Value: []byte("value1")},
		{Key: []byte("key2"), Value: []byte("value2")},
		{Key: []byte("anotherkey"), Value: []byte("value3")},
	}

	for _, testCase := range []struct {
		name     string
		glob     string
		expected []key.Record
	}{
		{
			name: "match all",
			glob: "*",
			expected: []key.Record{
				{Key: []byte("key1"), Value: []byte("value1")},
				{Key: []byte("key2"), Value: []byte("value2")},
				{Key: []byte("anotherkey"), Value: []byte("value3")},
			},
		},
		{
			name: "match with ?",
			glob: "key?",
			expected: []key.Record{
				{Key: []byte("key1"), Value: []byte("value1")},
				{Key: []byte("key2"), Value: []byte("value2")},
			},
		},
		{
			name: "match with * at the end",
			glob: "key*",
			expected: []key.Record{
				{Key: []byte("key1"), Value: []byte("value1")},
				{Key: []byte("key2"), Value: []byte("value2")},
			},
		},
		{
			name: "match with * at the beginning",
			glob: "*key",
			expected: []key.Record{
				{Key: []byte("anotherkey"), Value: []byte("value3")},
			},
		},
		{
			name: "match with multiple *",
			glob: "*key*",
			expected: []key.Record{
				{Key: []byte("key1"), Value: []byte("value1")},
				{Key: []byte("key2"), Value: []byte("value2")},
				{Key: []byte("anotherkey"), Value: []byte("value3")},
			},
		},
		{
			name:     "no match",
			glob:     "nomatch",
			expected: nil,
		},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			seq := MatchGlob([]byte(testCase.glob), slices.Values(records))
			got := slices.Collect(seq)
			assert.Equal(t, testCase.expected, got)
		})
	}
}
