// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindValidation, "invalid pattern")
	if err.Error() != "invalid pattern" {
		t.Errorf("expected 'invalid pattern', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindConfig, "failed to resolve config")
	if wrapped.Error() != "failed to resolve config: invalid pattern" {
		t.Errorf("expected 'failed to resolve config: invalid pattern', got '%s'", wrapped.Error())
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindEnumeration, "proc unreadable")
	if GetKind(err) != KindEnumeration {
		t.Errorf("expected KindEnumeration, got %v", GetKind(err))
	}

	wrapped := Wrap(err, KindStore, "failed")
	if GetKind(wrapped) != KindStore {
		t.Errorf("expected KindStore, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("socket table truncated")
	wrapped := Wrap(inner, KindEnumeration, "snapshot failed")

	if !Is(wrapped, inner) {
		t.Errorf("wrapped error should match inner via Is")
	}

	var e *Error
	if !As(wrapped, &e) {
		t.Fatalf("As should find *Error in chain")
	}
	if e.Kind != KindEnumeration {
		t.Errorf("expected KindEnumeration, got %v", e.Kind)
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, KindStore, "ignored") != nil {
		t.Errorf("Wrap(nil) should return nil")
	}
	if Wrapf(nil, KindStore, "ignored %d", 1) != nil {
		t.Errorf("Wrapf(nil) should return nil")
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindConfig:      "config",
		KindEnumeration: "enumeration",
		KindCapture:     "capture",
		KindResolve:     "resolve",
		KindStore:       "store",
		KindTimeout:     "timeout",
		KindUnknown:     "unknown",
	}
	for k, want := range cases {
		if k.String() != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, k.String(), want)
		}
	}
}
