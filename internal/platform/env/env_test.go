package env

import (
	"reflect"
	"testing"
	"time"
)

func TestString_Default(t *testing.T) {
	got := String("HUTCH_TEST_STRING_DOES_NOT_EXIST", "fallback")
	if got != "fallback" {
		t.Fatalf("String()=%q, want fallback", got)
	}
}

func TestString_Override(t *testing.T) {
	t.Setenv("HUTCH_TEST_STRING", "value")
	got := String("HUTCH_TEST_STRING", "fallback")
	if got != "value" {
		t.Fatalf("String()=%q, want value", got)
	}
}

func TestDuration_Override(t *testing.T) {
	t.Setenv("HUTCH_TEST_DURATION", "250ms")
	got, err := Duration("HUTCH_TEST_DURATION", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 250*time.Millisecond {
		t.Fatalf("Duration()=%v, want 250ms", got)
	}
}

func TestDuration_BlankUsesDefault(t *testing.T) {
	t.Setenv("HUTCH_TEST_DURATION_BLANK", "  ")
	got, err := Duration("HUTCH_TEST_DURATION_BLANK", 5*time.Second)
	if err != nil {
		t.Fatalf("Duration() err=%v", err)
	}
	if got != 5*time.Second {
		t.Fatalf("Duration()=%v, want 5s", got)
	}
}

func TestDuration_Invalid(t *testing.T) {
	t.Setenv("HUTCH_TEST_DURATION_INVALID", "not-a-duration")
	if _, err := Duration("HUTCH_TEST_DURATION_INVALID", 5*time.Second); err == nil {
		t.Fatalf("Duration() expected error")
	}
}

func TestBool_Override(t *testing.T) {
	t.Setenv("HUTCH_TEST_BOOL", "false")
	got, err := Bool("HUTCH_TEST_BOOL", true)
	if err != nil {
		t.Fatalf("Bool() err=%v", err)
	}
	if got {
		t.Fatalf("Bool()=%v, want false", got)
	}
}

func TestBool_Invalid(t *testing.T) {
	t.Setenv("HUTCH_TEST_BOOL_INVALID", "nope")
	if _, err := Bool("HUTCH_TEST_BOOL_INVALID", false); err == nil {
		t.Fatalf("Bool() expected error")
	}
}

func TestInt_Override(t *testing.T) {
	t.Setenv("HUTCH_TEST_INT", "7")
	got, err := Int("HUTCH_TEST_INT", 42)
	if err != nil {
		t.Fatalf("Int() err=%v", err)
	}
	if got != 7 {
		t.Fatalf("Int()=%v, want 7", got)
	}
}

func TestInt64_Invalid(t *testing.T) {
	t.Setenv("HUTCH_TEST_INT64_INVALID", "12x")
	if _, err := Int64("HUTCH_TEST_INT64_INVALID", 1); err == nil {
		t.Fatalf("Int64() expected error")
	}
}

func TestList(t *testing.T) {
	t.Setenv("HUTCH_TEST_LIST", " .stage, ,.yaml,.yml ")
	got := List("HUTCH_TEST_LIST", nil)
	want := []string{".stage", ".yaml", ".yml"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("List()=%v, want %v", got, want)
	}
}

func TestList_Default(t *testing.T) {
	t.Setenv("HUTCH_TEST_LIST_EMPTY", ",,")
	got := List("HUTCH_TEST_LIST_EMPTY", []string{"a"})
	if len(got) != 1 || got[0] != "a" {
		t.Fatalf("List()=%v, want [a]", got)
	}
}
