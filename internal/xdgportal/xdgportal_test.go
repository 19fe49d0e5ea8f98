package xdgportal

import (
	"errors"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestRequestPath(t *testing.T) {
	path, err := RequestPath(":1.42", "recordscreen1f")
	if err != nil {
		t.Fatalf("RequestPath: %v", err)
	}
	if want := dbus.ObjectPath("/org/freedesktop/portal/desktop/request/1_42/recordscreen1f"); path != want {
		t.Fatalf("RequestPath = %q, want %q", path, want)
	}
	if !path.IsValid() {
		t.Fatalf("%q is not a valid object path", path)
	}
	if _, err := RequestPath("", "tok"); !errors.Is(err, ErrNoUniqueName) {
		t.Fatalf("error = %v, want ErrNoUniqueName", err)
	}
}

func TestGenerateToken(t *testing.T) {
	tok := GenerateToken()
	if !strings.HasPrefix(tok, "recordscreen") || len(tok) <= len("recordscreen") {
		t.Fatalf("GenerateToken() = %q", tok)
	}
}

func TestParseResponse(t *testing.T) {
	sig := &dbus.Signal{
		Name: requestInterface + "." + responseMember,
		Body: []any{uint32(0), map[string]dbus.Variant{"uri": dbus.MakeVariant("file:///tmp/a.png")}},
	}
	resp := parseResponse(sig)
	if resp.Err != nil || resp.Status != Success {
		t.Fatalf("response = %+v", resp)
	}

	bad := parseResponse(&dbus.Signal{Body: []any{"nope", 1}})
	if !errors.Is(bad.Err, ErrUnexpectedResponse) || bad.Status != Ended {
		t.Fatalf("bad response = %+v", bad)
	}
	short := parseResponse(&dbus.Signal{Body: []any{uint32(0)}})
	if !errors.Is(short.Err, ErrUnexpectedResponse) {
		t.Fatalf("short response = %+v", short)
	}
}

func TestScreenshotURI(t *testing.T) {
	ok := Response{Status: Success, Results: map[string]dbus.Variant{"uri": dbus.MakeVariant("file:///tmp/Screenshot%20A.png")}}
	path, err := ScreenshotURI(ok)
	if err != nil || path != "/tmp/Screenshot A.png" {
		t.Fatalf("ScreenshotURI = %q, %v", path, err)
	}

	tests := []Response{
		{Status: Cancelled},
		{Status: Success},
		{Status: Success, Results: map[string]dbus.Variant{"uri": dbus.MakeVariant(7)}},
		{Status: Success, Results: map[string]dbus.Variant{"uri": dbus.MakeVariant("http://example.com/a.png")}},
		{Err: ErrUnexpectedResponse},
	}
	for i, resp := range tests {
		if _, err := ScreenshotURI(resp); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
