package testutil_test

import (
	"testing"

	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/testutil"
)

func TestDeepEqual(t *testing.T) {
	cases := []struct {
		a, b interface{}
		ret  bool
	}{
		{1, 2, false},
		{"abc", "abc", true},
		{[]string{"abc", "def"}, []string{"abc", "def"}, true},
		{fttypes.Blocknum(3), fttypes.Blocknum(3), true},
		{fttypes.Blocknum(3), fttypes.Blocknum(4), false},
		{[]fttypes.MSN{}, []fttypes.MSN{}, true},
		{[][]byte{[]byte("a")}, [][]byte{[]byte("a")}, true},
		{map[fttypes.FileNum]string{1: "a.ft"}, map[fttypes.FileNum]string{1: "b.ft"}, false},
	}

	for _, c := range cases {
		if testutil.DeepEqual(c.a, c.b) != c.ret {
			t.Errorf("DeepEqual(%v, %v) got %v want %v", c.a, c.b, !c.ret, c.ret)
		}
	}

	for _, c := range cases {
		var s string
		testutil.DeepEqual(c.a, c.b, &s)
		if c.ret {
			if s != "" {
				t.Errorf("DeepEqual(%v, %v, &s) succeeded; got %q for s; want \"\"", c.a, c.b, s)
			}
		} else {
			if s == "" {
				t.Errorf("DeepEqual(%v, %v, &s) failed; got \"\" for s", c.a, c.b)
			}
		}
	}

	defer func() {
		if r := recover(); r == nil {
			t.Errorf("DeepEqual(123, 123, &s1, &s2) did not panic")
		}
	}()
	var s1, s2 string
	testutil.DeepEqual(123, 123, &s1, &s2)
}

func TestDeepEqualTrace(t *testing.T) {
	type entry struct {
		Key []byte
		msn fttypes.MSN
	}

	cases := []struct {
		a, b interface{}
		trc  string
	}{
		{[]byte(nil), []byte{}, ""},
		{entry{Key: []byte("a"), msn: 1}, entry{Key: []byte("a"), msn: 2}, "value.msn: 1 != 2"},
		{[]entry{{Key: []byte("a")}}, []entry{{Key: []byte("b")}},
			`value[0].Key: "a" != "b"`},
		{[]string{"a"}, []string{"a", "b"}, "value: len 1 != len 2"},
		{map[string]int{"a": 1}, map[string]int{"b": 1}, "value[a]: missing"},
	}

	for _, c := range cases {
		var s string
		eq := testutil.DeepEqual(c.a, c.b, &s)
		if eq != (c.trc == "") || s != c.trc {
			t.Errorf("DeepEqual(%v, %v) got %v, %q want %q", c.a, c.b, eq, s, c.trc)
		}
	}
}
