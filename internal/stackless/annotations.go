package stackless

import "reflect"

// annotations is a typed side table. Each annotation kind is stored under its Go type.
type annotations struct {
	byType map[reflect.Type]any
}

func (a *annotations) clear() {
	a.byType = nil
}

// SetAnnotation stores v on fd, replacing any previous value of type T.
func SetAnnotation[T any](fd *FuncData, v T) {
	if fd.annotations.byType == nil {
		fd.annotations.byType = make(map[reflect.Type]any)
	}
	fd.annotations.byType[reflect.TypeFor[T]()] = v
}

// GetAnnotation returns the annotation of type T if present.
func GetAnnotation[T any](fd *FuncData) (T, bool) {
	var zero T
	v, ok := fd.annotations.byType[reflect.TypeFor[T]()]
	if !ok {
		return zero, false
	}
	return v.(T), true
}

// ClearAnnotation removes the annotation of type T.
func ClearAnnotation[T any](fd *FuncData) {
	delete(fd.annotations.byType, reflect.TypeFor[T]())
}
