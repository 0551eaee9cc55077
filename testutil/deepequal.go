package testutil

import (
	"bytes"
	"fmt"
	"reflect"
)

type comparer struct {
	diffs []string
}

func (c *comparer) differ(path string, format string, args ...interface{}) bool {
	c.diffs = append(c.diffs, fmt.Sprintf("%s: %s", path, fmt.Sprintf(format, args...)))
	return false
}

func (c *comparer) equal(path string, v1, v2 reflect.Value) bool {
	if !v1.IsValid() || !v2.IsValid() {
		if v1.IsValid() != v2.IsValid() {
			return c.differ(path, "%v != %v", v1, v2)
		}
		return true
	}
	if v1.Type() != v2.Type() {
		return c.differ(path, "type %s != type %s", v1.Type(), v2.Type())
	}

	switch v1.Kind() {
	case reflect.Array:
		for i := 0; i < v1.Len(); i++ {
			if !c.equal(fmt.Sprintf("%s[%d]", path, i), v1.Index(i), v2.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Slice:
		if v1.Type().Elem().Kind() == reflect.Uint8 {
			if !bytes.Equal(v1.Bytes(), v2.Bytes()) {
				return c.differ(path, "%q != %q", v1.Bytes(), v2.Bytes())
			}
			return true
		}
		if v1.IsNil() != v2.IsNil() {
			return c.differ(path, "%#v != %#v", v1, v2)
		}
		if v1.Len() != v2.Len() {
			return c.differ(path, "len %d != len %d", v1.Len(), v2.Len())
		}
		for i := 0; i < v1.Len(); i++ {
			if !c.equal(fmt.Sprintf("%s[%d]", path, i), v1.Index(i), v2.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Interface, reflect.Ptr:
		if v1.IsNil() || v2.IsNil() {
			if v1.IsNil() != v2.IsNil() {
				return c.differ(path, "%#v != %#v", v1, v2)
			}
			return true
		}
		if v1.Kind() == reflect.Ptr && v1.Pointer() == v2.Pointer() {
			return true
		}
		return c.equal(path, v1.Elem(), v2.Elem())
	case reflect.Struct:
		for i := 0; i < v1.NumField(); i++ {
			name := v1.Type().Field(i).Name
			if !c.equal(path+"."+name, v1.Field(i), v2.Field(i)) {
				return false
			}
		}
		return true
	case reflect.Map:
		if v1.IsNil() != v2.IsNil() {
			return c.differ(path, "%#v != %#v", v1, v2)
		}
		if v1.Len() != v2.Len() {
			return c.differ(path, "len %d != len %d", v1.Len(), v2.Len())
		}
		for _, k := range v1.MapKeys() {
			val2 := v2.MapIndex(k)
			if !val2.IsValid() {
				return c.differ(fmt.Sprintf("%s[%v]", path, k), "missing")
			}
			if !c.equal(fmt.Sprintf("%s[%v]", path, k), v1.MapIndex(k), val2) {
				return false
			}
		}
		return true
	case reflect.Func:
		if v1.IsNil() && v2.IsNil() {
			return true
		}
		return c.differ(path, "functions are only equal when both are nil")
	case reflect.Chan, reflect.UnsafePointer:
		if v1.Pointer() != v2.Pointer() {
			return c.differ(path, "%v != %v", v1, v2)
		}
		return true
	case reflect.Bool:
		if v1.Bool() != v2.Bool() {
			return c.differ(path, "%v != %v", v1.Bool(), v2.Bool())
		}
		return true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v1.Int() != v2.Int() {
			return c.differ(path, "%d != %d", v1.Int(), v2.Int())
		}
		return true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Uintptr:
		if v1.Uint() != v2.Uint() {
			return c.differ(path, "%d != %d", v1.Uint(), v2.Uint())
		}
		return true
	case reflect.Float32, reflect.Float64:
		if v1.Float() != v2.Float() {
			return c.differ(path, "%v != %v", v1.Float(), v2.Float())
		}
		return true
	case reflect.String:
		if v1.String() != v2.String() {
			return c.differ(path, "%q != %q", v1.String(), v2.String())
		}
		return true
	default:
		if !reflect.DeepEqual(v1.Interface(), v2.Interface()) {
			return c.differ(path, "%v != %v", v1, v2)
		}
		return true
	}
}

// DeepEqual is reflect.DeepEqual, except that byte slices compare by contents (nil and
// empty are equal) and, when trc is passed, the path to the first difference is
// returned in it. Unexported fields are compared.
func DeepEqual(x, y interface{}, trc ...*string) bool {
	if len(trc) > 1 {
		panic("testutil: DeepEqual: more than one optional argument")
	}

	var c comparer
	eq := c.equal("value", reflect.ValueOf(x), reflect.ValueOf(y))
	if len(trc) == 1 && trc[0] != nil {
		if eq {
			*trc[0] = ""
		} else {
			*trc[0] = c.diffs[0]
		}
	}
	return eq
}
