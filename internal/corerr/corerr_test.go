package corerr

import (
	"errors"
	"testing"
)

func TestWrapNilIsNil(t *testing.T) {
	if Wrap(IOFailure, "op", nil) != nil {
		t.Fatal("Wrap(nil) must return nil")
	}
	if Wrapf(IOFailure, "op", nil, "x") != nil {
		t.Fatal("Wrapf(nil) must return nil")
	}
}

func TestIsAndKindOf(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(NotFound, "session.Get", base)

	if !Is(err, NotFound) {
		t.Fatalf("Is(err, NotFound) = false, want true")
	}
	if Is(err, Conflict) {
		t.Fatalf("Is(err, Conflict) = true, want false")
	}
	if KindOf(err) != NotFound {
		t.Fatalf("KindOf = %q, want %q", KindOf(err), NotFound)
	}
	if !errors.Is(err, base) {
		t.Fatal("errors.Is should see through to the wrapped cause")
	}
}

func TestErrorMessageShapes(t *testing.T) {
	cases := []struct {
		name string
		err  *Error
		want string
	}{
		{"kind only", New(InvalidInput, "", ""), string(InvalidInput)},
		{"op and kind", New(InvalidInput, "identity.hashOf", ""), "identity.hashOf: invalid_input"},
		{"op and msg", New(InvalidInput, "identity.hashOf", "empty path"), "identity.hashOf: invalid_input: empty path"},
		{"op and wrapped", Wrap(IOFailure, "metadata.write", errors.New("disk full")), "metadata.write: io_failure: disk full"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Fatalf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestKindOfNonCoreError(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Fatal("KindOf of a non-*Error should be empty")
	}
	if Is(errors.New("plain"), NotFound) {
		t.Fatal("Is of a non-*Error should be false")
	}
}
