package chardev

import "testing"

func decodeAll(d *set1Decoder, codes ...byte) string {
	var out []byte
	for _, c := range codes {
		if ch, ok := d.feed(c); ok {
			out = append(out, ch)
		}
	}
	return string(out)
}

func TestDecoderModifiers(t *testing.T) {
	for _, tc := range []struct {
		name  string
		codes []byte
		want  string
	}{
		{"plain", []byte{0x1e, 0x9e, 0x30, 0xb0}, "ab"},
		{"shift", []byte{0x2a, 0x1e, 0x9e, 0xaa, 0x1e}, "Aa"},
		{"right shift digit", []byte{0x36, 0x02, 0xb6}, "!"},
		{"caps lock", []byte{0x3a, 0xba, 0x1e, 0x02}, "A1"},
		{"caps lock with shift", []byte{0x3a, 0xba, 0x2a, 0x1e}, "a"},
		{"ctrl c", []byte{0x1d, 0x2e, 0x9d, 0x2e}, "\x03c"},
		{"extended arrows ignored", []byte{0xe0, 0x48, 0xe0, 0xc8, 0x1e}, "a"},
		{"break codes ignored", []byte{0x9e, 0xfa}, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var d set1Decoder
			if got := decodeAll(&d, tc.codes...); got != tc.want {
				t.Fatalf("decoded %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSet1MakeCodeInvertsDecoder(t *testing.T) {
	for _, ch := range []byte("az09 !?\n\t:\"~") {
		code, shift, ok := Set1MakeCode(ch)
		if !ok {
			t.Fatalf("no make code for %q", ch)
		}
		var d set1Decoder
		codes := []byte{code}
		if shift {
			codes = []byte{set1LeftShift, code}
		}
		if got := decodeAll(&d, codes...); got != string([]byte{ch}) {
			t.Fatalf("%q round-tripped to %q", ch, got)
		}
	}
	if _, _, ok := Set1MakeCode(0x80); ok {
		t.Fatal("make code for non-ASCII byte")
	}
}
