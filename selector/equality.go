package selector

import "reflect"

// Equality compares a previously observed value with a new one. It
// decides whether a selector may skip recomputation.
type Equality func(prev, next any) bool

// Ref is the default equality: identity for reference kinds (maps,
// slices, pointers, funcs, channels) and value comparison for comparable
// kinds. Two distinct-but-deep-equal trees are NOT Ref-equal; that is
// the point — copy-on-write updates produce new references only for the
// branches they touch.
func Ref(prev, next any) bool {
	if prev == nil || next == nil {
		return prev == nil && next == nil
	}
	va := reflect.ValueOf(prev)
	vb := reflect.ValueOf(next)
	if va.Type() != vb.Type() {
		return false
	}
	switch va.Kind() {
	case reflect.Map, reflect.Func, reflect.Chan, reflect.Pointer, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		if va.Len() != vb.Len() {
			return false
		}
		return va.Len() == 0 || va.Pointer() == vb.Pointer()
	default:
		if va.Type().Comparable() {
			return prev == next
		}
		return reflect.DeepEqual(prev, next)
	}
}

// Deep compares by structural equality. Use it for selectors whose
// inputs are rebuilt on every dispatch but rarely change in value.
func Deep(prev, next any) bool {
	return reflect.DeepEqual(prev, next)
}
