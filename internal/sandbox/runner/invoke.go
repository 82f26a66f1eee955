package runner

import (
	"errors"
	"fmt"
	"reflect"

	"ChainVoyager/pkg/skillapi"
)

// EntryPoint is the function every skill must define.
const EntryPoint = "Execute"

var (
	envType     = reflect.TypeOf((*skillapi.Env)(nil))
	receiptType = reflect.TypeOf((*skillapi.Receipt)(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// entry is a validated skill entry point.
type entry struct {
	fn         reflect.Value
	takesEnv   bool
	receiptOut int
	errorOut   int
}

// outcome is what one call of the entry point produced.
type outcome struct {
	reward     float64
	doneReason string
	receipt    *skillapi.Receipt
	err        error
}

// bindEntry checks fn against the accepted shapes:
//
//	func(env *voyager.Env) (float64, string[, *voyager.Receipt][, error])
//
// The env parameter may be omitted.
func bindEntry(fn reflect.Value) (*entry, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%s is not a function", EntryPoint)
	}
	t := fn.Type()
	e := &entry{fn: fn, receiptOut: -1, errorOut: -1}

	switch {
	case t.NumIn() == 0:
	case t.NumIn() == 1 && t.In(0) == envType:
		e.takesEnv = true
	default:
		return nil, fmt.Errorf("%s must take no arguments or a single *voyager.Env, got %s", EntryPoint, t)
	}

	if t.NumOut() < 2 || t.NumOut() > 4 {
		return nil, fmt.Errorf("%s must return (float64, string[, *voyager.Receipt][, error]), got %s", EntryPoint, t)
	}
	if k := t.Out(0).Kind(); k != reflect.Float64 && k != reflect.Float32 {
		return nil, fmt.Errorf("%s: first result must be a float reward, got %s", EntryPoint, t.Out(0))
	}
	if t.Out(1).Kind() != reflect.String {
		return nil, fmt.Errorf("%s: second result must be the done reason string, got %s", EntryPoint, t.Out(1))
	}
	for i := 2; i < t.NumOut(); i++ {
		switch out := t.Out(i); {
		case out == receiptType && i == 2:
			e.receiptOut = i
		case out == errorType && i == t.NumOut()-1:
			e.errorOut = i
		default:
			return nil, fmt.Errorf("%s: unexpected result %d of type %s", EntryPoint, i, out)
		}
	}
	return e, nil
}

// call runs the entry point, turning panics into errors.
func (e *entry) call(env *skillapi.Env) (out outcome, panicked error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = fmt.Errorf("skill panicked: %v", r)
		}
	}()

	var args []reflect.Value
	if e.takesEnv {
		args = []reflect.Value{reflect.ValueOf(env)}
	}
	results := e.fn.Call(args)

	out.reward = results[0].Float()
	out.doneReason = results[1].String()
	if e.receiptOut >= 0 && !results[e.receiptOut].IsNil() {
		out.receipt = results[e.receiptOut].Interface().(*skillapi.Receipt)
	}
	if e.errorOut >= 0 && !results[e.errorOut].IsNil() {
		err, ok := results[e.errorOut].Interface().(error)
		if !ok {
			err = errors.New("skill returned a non-error value")
		}
		out.err = err
	}
	return out, nil
}
