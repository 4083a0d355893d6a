package task

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/zero-day-ai/granule/fetcherr"
)

var (
	closerType = reflect.TypeOf((*io.Closer)(nil)).Elem()
	lockerType = reflect.TypeOf((*sync.Locker)(nil)).Elem()
	syncPkg    = reflect.TypeOf(sync.Mutex{}).PkgPath()
)

// CheckSerializable reports a KindSerialization error if v cannot be shipped
// to a remote worker: channels, functions, unsafe pointers, open resources
// (io.Closer), synchronization primitives, and anything json.Marshal
// rejects.
func CheckSerializable(v any) error {
	const op = "task.CheckSerializable"

	if err := walk(reflect.ValueOf(v), "value", make(map[uintptr]bool)); err != nil {
		return fetcherr.Serialization(op, err.Error())
	}
	if _, err := json.Marshal(v); err != nil {
		return fetcherr.Serialization(op, fmt.Sprintf("value does not encode: %v", err))
	}
	return nil
}

func walk(v reflect.Value, path string, seen map[uintptr]bool) error {
	if !v.IsValid() {
		return nil
	}

	t := v.Type()
	if t.Kind() != reflect.Interface && t.Implements(closerType) {
		return fmt.Errorf("%s is an open resource (%s)", path, t)
	}
	if t.Kind() != reflect.Interface && (t.Implements(lockerType) || reflect.PointerTo(t).Implements(lockerType) || t.PkgPath() == syncPkg) {
		return fmt.Errorf("%s is a synchronization primitive (%s)", path, t)
	}

	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return fmt.Errorf("%s has unserializable kind %s", path, t.Kind())
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return walk(v.Elem(), path, seen)
	case reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if seen[v.Pointer()] {
			return nil
		}
		seen[v.Pointer()] = true
		return walk(v.Elem(), path, seen)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() || f.Tag.Get("json") == "-" {
				continue
			}
			if err := walk(v.Field(i), path+"."+f.Name, seen); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if err := walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i), seen); err != nil {
				return err
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := walk(iter.Value(), fmt.Sprintf("%s[%v]", path, iter.Key()), seen); err != nil {
				return err
			}
		}
	}
	return nil
}
