package chardev

// Scancode set 1 make codes 0x00-0x39 as printed with and without shift.
// NUL marks keys without a character (modifiers, unmapped codes).
const (
	set1Normal  = "\x00\x1b1234567890-=\x08\tqwertyuiop[]\n\x00asdfghjkl;'`\x00\\zxcvbnm,./\x00*\x00 "
	set1Shifted = "\x00\x1b!@#$%^&*()_+\x08\tQWERTYUIOP{}\n\x00ASDFGHJKL:\"~\x00|ZXCVBNM<>?\x00*\x00 "
)

const (
	set1LeftCtrl   = 0x1d
	set1LeftShift  = 0x2a
	set1RightShift = 0x36
	set1CapsLock   = 0x3a
	set1Extended   = 0xe0
	set1Break      = 0x80
)

// Set1MakeCode returns the set 1 make code that types ch on a US layout and
// whether shift must be held.
func Set1MakeCode(ch byte) (code byte, shift bool, ok bool) {
	if ch == 0 {
		return 0, false, false
	}
	for i := 0; i < len(set1Normal); i++ {
		if set1Normal[i] == ch {
			return byte(i), false, true
		}
	}
	for i := 0; i < len(set1Shifted); i++ {
		if set1Shifted[i] == ch {
			return byte(i), true, true
		}
	}
	return 0, false, false
}

// set1Decoder turns a set 1 scancode stream into bytes.
type set1Decoder struct {
	shift    bool
	ctrl     bool
	capsLock bool
	extended bool
}

// feed consumes one scancode and reports the byte it produces, if any.
func (d *set1Decoder) feed(code byte) (byte, bool) {
	if code == set1Extended {
		d.extended = true
		return 0, false
	}
	if d.extended {
		// Extended keys (arrows, right ctrl/alt) carry no character here.
		d.extended = false
		if code&^set1Break == set1LeftCtrl {
			d.ctrl = code&set1Break == 0
		}
		return 0, false
	}

	key := code &^ set1Break
	pressed := code&set1Break == 0
	switch key {
	case set1LeftShift, set1RightShift:
		d.shift = pressed
		return 0, false
	case set1LeftCtrl:
		d.ctrl = pressed
		return 0, false
	case set1CapsLock:
		if pressed {
			d.capsLock = !d.capsLock
		}
		return 0, false
	}
	if !pressed || int(key) >= len(set1Normal) {
		return 0, false
	}

	ch := set1Normal[key]
	if d.shift {
		ch = set1Shifted[key]
	}
	if ch == 0 {
		return 0, false
	}
	if d.capsLock && isLetter(ch) {
		ch ^= 0x20
	}
	if d.ctrl && isLetter(ch) {
		ch &= 0x1f
	}
	return ch, true
}

func isLetter(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}
