package ports

import (
	"context"
	"io"
	"reflect"
	"testing"

	"streamengine/internal/domain"
)

func TestSessionManagerInterface(t *testing.T) {
	typ := reflect.TypeOf((*SessionManager)(nil)).Elem()

	assertMethod(t, typ, "Acquire", []reflect.Type{
		contextType(),
		reflect.TypeOf(""),
	}, []reflect.Type{
		reflect.TypeOf(SessionHandle{}),
		errorType(),
	})

	assertMethod(t, typ, "Release", []reflect.Type{reflect.TypeOf(SessionHandle{})}, nil)

	assertMethod(t, typ, "ReadRange", []reflect.Type{
		contextType(),
		reflect.TypeOf(""),
		reflect.TypeOf(0),
		reflect.TypeOf(int64(0)),
		reflect.TypeOf(int64(0)),
	}, []reflect.Type{
		reflect.TypeOf((*io.ReadCloser)(nil)).Elem(),
		errorType(),
	})

	assertMethod(t, typ, "Stats", []reflect.Type{reflect.TypeOf("")}, []reflect.Type{
		reflect.TypeOf(domain.SessionStats{}),
		errorType(),
	})
}

func TestSourceProviderInterface(t *testing.T) {
	typ := reflect.TypeOf((*SourceProvider)(nil)).Elem()
	assertMethod(t, typ, "Resolve", []reflect.Type{
		contextType(),
		reflect.TypeOf(domain.TitleQuery{}),
	}, []reflect.Type{
		reflect.TypeOf([]domain.StreamSource{}),
		errorType(),
	})
}

func TestFallbackStoreInterface(t *testing.T) {
	typ := reflect.TypeOf((*FallbackStore)(nil)).Elem()
	assertMethod(t, typ, "Save", []reflect.Type{
		contextType(),
		reflect.TypeOf(domain.FallbackState{}),
	}, []reflect.Type{errorType()})
}

func assertMethod(t *testing.T, typ reflect.Type, name string, in, out []reflect.Type) {
	t.Helper()
	m, ok := typ.MethodByName(name)
	if !ok {
		t.Fatalf("%s missing method %s", typ, name)
	}
	if m.Type.NumIn() != len(in) {
		t.Fatalf("%s.%s: %d params, want %d", typ, name, m.Type.NumIn(), len(in))
	}
	for i, want := range in {
		if got := m.Type.In(i); got != want {
			t.Fatalf("%s.%s param %d = %s, want %s", typ, name, i, got, want)
		}
	}
	if m.Type.NumOut() != len(out) {
		t.Fatalf("%s.%s: %d results, want %d", typ, name, m.Type.NumOut(), len(out))
	}
	for i, want := range out {
		if got := m.Type.Out(i); got != want {
			t.Fatalf("%s.%s result %d = %s, want %s", typ, name, i, got, want)
		}
	}
}

func contextType() reflect.Type { return reflect.TypeOf((*context.Context)(nil)).Elem() }
func errorType() reflect.Type   { return reflect.TypeOf((*error)(nil)).Elem() }
