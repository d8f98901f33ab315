package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction          = errors.New("not a function")
	ErrMustReturnError      = errors.New("function must return error as a last return value")
	ErrMustHaveContext      = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues  = errors.New("too many return values")
	ErrUnsupportedParamType = errors.New("parameter type can not be decoded from JSON")

	ErrTooMuchArguments = errors.New("too much arguments")
	ErrInvalidParams    = errors.New("invalid params")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// methodHandler is a registered method: its JSON params after the context and
// whether it returns a result besides the error.
type methodHandler struct {
	fn        reflect.Value
	params    []reflect.Type
	hasResult bool
}

func decodableParam(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Invalid:
		return false
	}
	return true
}

func newMethodHandler(fn any) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	if fnType.NumIn() == 0 || fnType.In(0) != contextType {
		return methodHandler{}, ErrMustHaveContext
	}

	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if numOut > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	params := make([]reflect.Type, 0, fnType.NumIn()-1)
	for i := 1; i < fnType.NumIn(); i++ {
		param := fnType.In(i)
		if !decodableParam(param) {
			return methodHandler{}, fmt.Errorf("%w: param %d is %s", ErrUnsupportedParamType, i-1, param)
		}
		params = append(params, param)
	}

	return methodHandler{
		fn:        reflect.ValueOf(fn),
		params:    params,
		hasResult: numOut == 2,
	}, nil
}

// decode unmarshals positional params into the method arguments. Missing trailing
// params are zero values. Failures wrap ErrInvalidParams.
func (h methodHandler) decode(raw []json.RawMessage) ([]reflect.Value, error) {
	if len(raw) > len(h.params) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, ErrTooMuchArguments)
	}
	args := make([]reflect.Value, len(h.params))
	for i, param := range h.params {
		arg := reflect.New(param)
		if i < len(raw) {
			if err := json.Unmarshal(raw[i], arg.Interface()); err != nil {
				return nil, fmt.Errorf("%w: param %d: %w", ErrInvalidParams, i, err)
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}

func (h methodHandler) call(ctx context.Context, raw []json.RawMessage) (any, error) {
	args, err := h.decode(raw)
	if err != nil {
		return nil, err
	}
	return h.invoke(ctx, args)
}

func (h methodHandler) invoke(ctx context.Context, args []reflect.Value) (any, error) {
	results := h.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))

	var err error
	if errVal := results[len(results)-1]; !errVal.IsNil() {
		err = errVal.Interface().(error) //nolint:forcetypeassert
	}
	if !h.hasResult {
		return nil, err
	}
	return results[0].Interface(), err
}
