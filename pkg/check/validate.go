package check

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Validatable is implemented by configuration types that can check their own fields.
type Validatable interface {
	Validate() []error
}

// Validate calls Validate on v and on every Validatable reachable from it through pointers,
// exported struct fields, slice elements and map values. All reported errors are returned
// together, each annotated with the path it was found at (e.g. root.Labels[linux]).
func Validate(v interface{}) error {
	var w walker
	w.walk(reflect.ValueOf(v), "root")
	if w.errs == nil {
		return nil
	}
	w.errs.ErrorFormat = formatErrors
	return w.errs
}

type walker struct {
	errs *multierror.Error
}

func (w *walker) walk(v reflect.Value, path string) {
	if !v.IsValid() {
		return
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if !v.IsNil() {
			w.walk(v.Elem(), path)
		}
		return
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if field := t.Field(i); field.IsExported() {
				w.walk(v.Field(i), path+"."+field.Name)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			w.walk(v.Index(i), fmt.Sprintf("%s[%d]", path, i))
		}
	case reflect.Map:
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		for _, key := range keys {
			w.walk(v.MapIndex(key), fmt.Sprintf("%s[%v]", path, key.Interface()))
		}
	}

	w.check(v, path)
}

// check runs v's own validator. v is copied into a new pointer so that validators declared on
// either receiver kind are found.
func (w *walker) check(v reflect.Value, path string) {
	ptr := reflect.New(v.Type())
	ptr.Elem().Set(v)
	validatable, ok := ptr.Interface().(Validatable)
	if !ok {
		return
	}
	for _, err := range validatable.Validate() {
		if err != nil {
			w.errs = multierror.Append(w.errs, errors.Wrapf(err, "error found at %s", path))
		}
	}
}

func formatErrors(errs []error) string {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	sort.Strings(msgs)
	return fmt.Sprintf("%d invalid configuration values:\n\t%s", len(errs), strings.Join(msgs, "\n\t"))
}
