package util

import (
	"reflect"
	"testing"
)

func TestMergeMapString(t *testing.T) {
	tests := []struct {
		a      map[string]string
		b      map[string]string
		result map[string]string
	}{
		{
			a: map[string]string{
				"FLAG": "flag{x}",
			},
			b: map[string]string{
				"PORT": "9999",
			},
			result: map[string]string{
				"FLAG": "flag{x}",
				"PORT": "9999",
			},
		},
		{
			a: map[string]string{
				"FLAG": "flag{x}",
			},
			b: map[string]string{
				"FLAG": "flag{y}",
			},
			result: map[string]string{
				"FLAG": "flag{y}",
			},
		},
		{
			a: map[string]string{},
			b: map[string]string{
				"FLAG": "flag{y}",
			},
			result: map[string]string{
				"FLAG": "flag{y}",
			},
		},
		{
			result: nil,
		},
	}

	for _, test := range tests {
		expect := test.result
		actual := MergeMapString(test.a, test.b)
		if !reflect.DeepEqual(expect, actual) {
			t.Errorf("expect %v but got %v", expect, actual)
		}
	}
}
