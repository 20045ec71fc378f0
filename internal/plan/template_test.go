package plan

import (
	"reflect"
	"testing"
)

func TestExpandArgsIdentityWithoutPlaceholders(t *testing.T) {
	args := []string{"--mode", "fast", "-o", "out.dat"}
	got := ExpandArgs(args, []string{"a.jpg", "b.jpg"})
	if !reflect.DeepEqual(got, args) {
		t.Fatalf("expected identity, got %v", got)
	}
}

func TestExpandArgsSingleInput(t *testing.T) {
	got := ExpandArgs([]string{"convert", "{in}", "-o", "out"}, []string{"a.jpg"})
	want := []string{"convert", "a.jpg", "-o", "out"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExpandArgsSinglePlaceholderManyInputsStaysLiteral(t *testing.T) {
	got := ExpandArgs([]string{"{in}"}, []string{"a.jpg", "b.jpg"})
	if got[0] != "{in}" {
		t.Fatalf("expected literal {in}, got %q", got[0])
	}
}

func TestExpandArgsIndexed(t *testing.T) {
	got := ExpandArgs([]string{"{in0}", "{in1}", "{in2}"}, []string{"a.jpg", "b.jpg"})
	want := []string{"a.jpg", "b.jpg", "{in2}"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestExpandArgsMalformedIndex(t *testing.T) {
	for _, arg := range []string{"{inX}", "{in-1}", "{in 1}", "{input}"} {
		got := ExpandArgs([]string{arg}, []string{"a", "b", "c"})
		if got[0] != arg {
			t.Errorf("expected %q literal, got %q", arg, got[0])
		}
	}
}
