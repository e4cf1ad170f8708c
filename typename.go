package eventflow

import "reflect"

// TypeName returns the bare (unqualified, non-pointer) type name of v. It is
// the routing key used by projectors, handler groups and the registry, so
// that a value and a pointer to it resolve to the same name.
func TypeName(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}
