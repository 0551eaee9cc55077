package flags

import (
	"sort"
	"strings"
)

type Flag int

const (
	Fsync Flag = iota
	LogClose
	VerifyKeepGoing
)

type flagDefault struct {
	flag Flag
	def  bool
}

var (
	defaultFlags = map[string]flagDefault{
		"fsync":             {Fsync, true},
		"log_close":         {LogClose, true},
		"verify_keep_going": {VerifyKeepGoing, false},
	}
)

func LookupFlag(nam string) (Flag, bool) {
	fd, ok := defaultFlags[strings.ToLower(nam)]
	return fd.flag, ok
}

// ListFlags calls fn for every flag in name order.
func ListFlags(fn func(nam string, f Flag)) {
	var names []string
	for nam := range defaultFlags {
		names = append(names, nam)
	}
	sort.Strings(names)
	for _, nam := range names {
		fn(nam, defaultFlags[nam].flag)
	}
}

type Flags []bool

func (flgs Flags) GetFlag(f Flag) bool {
	return flgs[f]
}

func (flgs Flags) SetFlag(f Flag, b bool) {
	flgs[f] = b
}

func Default() Flags {
	flgs := make([]bool, len(defaultFlags))
	for _, fd := range defaultFlags {
		flgs[fd.flag] = fd.def
	}
	return flgs
}
