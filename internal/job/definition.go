package job

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// Func is the typed form of a job body. Register accepts any func value; Func
// exists so callers can get the shape checked by the compiler as well.
type Func[T any] func(ctx context.Context, jobID string, schedule string, input T) (*T, error)

// Definition is an immutable, registered job.
type Definition struct {
	Name       string
	Version    int
	FunctionID string

	// InputType is the struct type the body receives and returns a pointer to.
	InputType reflect.Type

	body reflect.Value
}

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
	stringType  = reflect.TypeFor[string]()
)

// Register validates body and returns its Definition.
func Register(name string, version int, body any) (*Definition, error) {
	name = strings.TrimSpace(name)
	label := fmt.Sprintf("%s-v%d", name, version)
	if name == "" {
		return nil, configErrorf(label, "name must not be empty")
	}
	if strings.ContainsFunc(name, unicode.IsSpace) {
		return nil, configErrorf(label, "name must not contain whitespace")
	}
	if version < 1 {
		return nil, configErrorf(label, "version must be at least 1, got %d", version)
	}

	fn := reflect.ValueOf(body)
	if !fn.IsValid() || fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, configErrorf(label, "body must be a non-nil function, got %T", body)
	}

	inputType, err := checkSignature(fn.Type())
	if err != nil {
		return nil, configErrorf(label, "%s", err)
	}

	return &Definition{
		Name:       name,
		Version:    version,
		FunctionID: label,
		InputType:  inputType,
		body:       fn,
	}, nil
}

// RegisterFunc is Register for a typed body.
func RegisterFunc[T any](name string, version int, body Func[T]) (*Definition, error) {
	return Register(name, version, body)
}

// MustRegister is like Register but panics on error. It is meant for
// package level job declarations.
func MustRegister(name string, version int, body any) *Definition {
	def, err := Register(name, version, body)
	if err != nil {
		panic(err)
	}
	return def
}

func checkSignature(t reflect.Type) (reflect.Type, error) {
	const want = "func(ctx context.Context, jobID string, schedule string, input T) (*T, error)"

	if t.IsVariadic() {
		return nil, fmt.Errorf("body must not be variadic, want %s", want)
	}
	if t.NumIn() != 4 {
		return nil, fmt.Errorf("body must take exactly (ctx, jobID, schedule, input), got %d parameters; want %s", t.NumIn(), want)
	}
	if t.In(0) != contextType {
		return nil, fmt.Errorf("first parameter must be context.Context, got %s", t.In(0))
	}
	if t.In(1) != stringType {
		return nil, fmt.Errorf("jobID parameter must be string, got %s", t.In(1))
	}
	if t.In(2) != stringType {
		return nil, fmt.Errorf("schedule parameter must be string, got %s", t.In(2))
	}

	input := t.In(3)
	if input.Kind() != reflect.Struct {
		return nil, fmt.Errorf("input parameter must be a struct, got %s", input)
	}

	if t.NumOut() != 2 {
		return nil, fmt.Errorf("body must return (*%s, error), got %d results", input, t.NumOut())
	}
	if t.Out(0) != reflect.PointerTo(input) {
		return nil, fmt.Errorf("continuation result must be *%s, got %s", input, t.Out(0))
	}
	if t.Out(1) != errorType {
		return nil, fmt.Errorf("second result must be error, got %s", t.Out(1))
	}
	return input, nil
}

// inputValue unwraps v into a value of InputType. Both T and a non-nil *T are accepted.
func (d *Definition) inputValue(v any) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return reflect.Value{}, configErrorf(d.FunctionID, "input must be %s, got nil", d.InputType)
	}
	if rv.Type() == reflect.PointerTo(d.InputType) {
		if rv.IsNil() {
			return reflect.Value{}, configErrorf(d.FunctionID, "input must be %s, got nil *%s", d.InputType, d.InputType)
		}
		rv = rv.Elem()
	}
	if rv.Type() != d.InputType {
		return reflect.Value{}, configErrorf(d.FunctionID, "input must be %s, got %s", d.InputType, rv.Type())
	}
	return rv, nil
}

// Encode serializes an input (T or *T) for storage.
func (d *Definition) Encode(input any) ([]byte, error) {
	rv, err := d.inputValue(input)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rv.Interface())
	if err != nil {
		return nil, fmt.Errorf("failed to encode input for %s: %w", d.FunctionID, err)
	}
	return data, nil
}

// Decode deserializes stored data into a fresh T.
func (d *Definition) Decode(data []byte) (any, error) {
	ptr := reflect.New(d.InputType)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("failed to decode input for %s: %w", d.FunctionID, err)
	}
	return ptr.Elem().Interface(), nil
}

// Call runs the body. A nil continuation is returned as an untyped nil so
// callers can compare against nil directly.
func (d *Definition) Call(ctx context.Context, jobID string, schedule string, input any) (any, error) {
	in, err := d.inputValue(input)
	if err != nil {
		return nil, err
	}

	out := d.body.Call([]reflect.Value{
		reflect.ValueOf(ctx),
		reflect.ValueOf(jobID),
		reflect.ValueOf(schedule),
		in,
	})

	if errOut := out[1]; !errOut.IsNil() {
		return nil, errOut.Interface().(error)
	}
	if next := out[0]; !next.IsNil() {
		return next.Interface(), nil
	}
	return nil, nil
}

func (d *Definition) String() string {
	return d.FunctionID
}
