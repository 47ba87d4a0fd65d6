package deps

import (
	"reflect"

	"github.com/pingcap/errors"
	"go.uber.org/dig"
)

// Deps is a dependency container shared by the components of a process.
type Deps struct {
	container *dig.Container
}

// NewDeps creates an empty Deps.
func NewDeps() *Deps {
	return &Deps{
		container: dig.New(),
	}
}

// Provide registers a constructor. Its output types become available
// to Construct and Fill.
func (d *Deps) Provide(constructor interface{}) error {
	return errors.Trace(d.container.Provide(constructor))
}

// Construct calls fn with its arguments resolved from the container and
// returns its first result. fn must return (T, error).
func (d *Deps) Construct(fn interface{}) (interface{}, error) {
	fnType := reflect.TypeOf(fn)
	if fnType.Kind() != reflect.Func || fnType.NumOut() != 2 ||
		fnType.Out(1) != reflect.TypeOf((*error)(nil)).Elem() {
		return nil, errors.Errorf("constructor must be a func returning (T, error), got %s", fnType)
	}

	inTypes := make([]reflect.Type, 0, fnType.NumIn())
	for i := 0; i < fnType.NumIn(); i++ {
		inTypes = append(inTypes, fnType.In(i))
	}
	// The invoked function has the same parameters as fn and
	// records fn's results instead of returning them.
	var (
		out    interface{}
		outErr error
	)
	invokeType := reflect.FuncOf(inTypes, nil, false)
	invokeFn := reflect.MakeFunc(invokeType, func(args []reflect.Value) []reflect.Value {
		results := reflect.ValueOf(fn).Call(args)
		out = results[0].Interface()
		if errVal := results[1].Interface(); errVal != nil {
			outErr = errVal.(error)
		}
		return nil
	})

	if err := d.container.Invoke(invokeFn.Interface()); err != nil {
		return nil, errors.Trace(err)
	}
	if outErr != nil {
		return nil, errors.Trace(outErr)
	}
	return out, nil
}

// Fill populates a pointer to a struct embedding dig.In.
func (d *Deps) Fill(params interface{}) error {
	val := reflect.ValueOf(params)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return errors.Errorf("params must be a pointer to a struct, got %T", params)
	}

	invokeType := reflect.FuncOf([]reflect.Type{val.Elem().Type()}, nil, false)
	invokeFn := reflect.MakeFunc(invokeType, func(args []reflect.Value) []reflect.Value {
		val.Elem().Set(args[0])
		return nil
	})
	return errors.Trace(d.container.Invoke(invokeFn.Interface()))
}
