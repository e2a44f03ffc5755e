package assets

import "testing"

func TestDataURL(t *testing.T) {
	got := DataURL("image/png", []byte{0x89, 0x50, 0x4e, 0x47})
	want := "data:image/png;base64,iVBORw=="
	if got != want {
		t.Fatalf("DataURL() = %q, want %q", got, want)
	}
}

func TestDataURLEmptyPayload(t *testing.T) {
	got := DataURL("image/svg+xml", nil)
	if got != "data:image/svg+xml;base64," {
		t.Fatalf("DataURL() = %q", got)
	}
}
