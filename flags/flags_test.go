package flags_test

import (
	"testing"

	"github.com/leftmike/fractal/flags"
)

func TestFlags(t *testing.T) {
	cases := []struct {
		nam string
		f   flags.Flag
		def bool
	}{
		{nam: "fsync", f: flags.Fsync, def: true},
		{nam: "LOG_CLOSE", f: flags.LogClose, def: true},
		{nam: "verify_keep_going", f: flags.VerifyKeepGoing, def: false},
	}

	flgs := flags.Default()
	for _, c := range cases {
		f, ok := flags.LookupFlag(c.nam)
		if !ok || f != c.f {
			t.Errorf("LookupFlag(%s) got %d, %v want %d", c.nam, f, ok, c.f)
		}
		if flgs.GetFlag(f) != c.def {
			t.Errorf("GetFlag(%s) got %v want %v", c.nam, flgs.GetFlag(f), c.def)
		}
	}

	if _, ok := flags.LookupFlag("pushdown"); ok {
		t.Error("LookupFlag(pushdown) got true")
	}

	flgs.SetFlag(flags.Fsync, false)
	if flgs.GetFlag(flags.Fsync) {
		t.Error("GetFlag(fsync) got true after SetFlag(fsync, false)")
	}
	if !flags.Default().GetFlag(flags.Fsync) {
		t.Error("Default() changed by SetFlag()")
	}

	var names []string
	flags.ListFlags(func(nam string, f flags.Flag) {
		names = append(names, nam)
	})
	want := []string{"fsync", "log_close", "verify_keep_going"}
	if len(names) != len(want) {
		t.Fatalf("ListFlags() got %v want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("ListFlags() got %v want %v", names, want)
			break
		}
	}
}
