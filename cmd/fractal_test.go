package cmd

import (
	"testing"

	"github.com/hashicorp/hcl"

	"github.com/leftmike/fractal/flags"
)

func TestApplyConfig(t *testing.T) {
	saved := topts
	savedKind := catalogKind
	defer func() {
		topts = saved
		catalogKind = savedKind
		flgs = flags.Default()
		usedFlags = map[string]struct{}{}
	}()

	cases := []struct {
		config   string
		fail     bool
		nodesize uint32
	}{
		{config: `nodesize = 65536
fsync = false
catalog = "btree"`, nodesize: 65536},
		{config: `fanout = 8`, nodesize: 65536},
		{config: `fsync = 1`, fail: true, nodesize: 65536},
		{config: `unknown = "value"`, fail: true, nodesize: 65536},
		{config: `nodesize = "many"`, fail: true, nodesize: 65536},
		{config: `nodesize = 8192`, nodesize: 8192},
	}

	usedFlags["fanout"] = struct{}{}
	for _, c := range cases {
		var m map[string]interface{}
		err := hcl.Decode(&m, c.config)
		if err != nil {
			t.Fatalf("hcl.Decode(%s) failed with %s", c.config, err)
		}
		err = applyConfig(m)
		if c.fail {
			if err == nil {
				t.Errorf("applyConfig(%s) did not fail", c.config)
			}
		} else if err != nil {
			t.Errorf("applyConfig(%s) failed with %s", c.config, err)
		}
		if topts.NodeSize != c.nodesize {
			t.Errorf("applyConfig(%s) nodesize got %d want %d", c.config, topts.NodeSize,
				c.nodesize)
		}
	}

	if topts.Fanout != saved.Fanout {
		t.Errorf("fanout got %d want %d", topts.Fanout, saved.Fanout)
	}
	if catalogKind != "btree" {
		t.Errorf("catalog got %s want btree", catalogKind)
	}
	if flgs.GetFlag(flags.Fsync) {
		t.Error("fsync got true want false")
	}
}
