package mem

import "testing"

func TestViewReadWrite(t *testing.T) {
	v := NewView(0x7000, make([]byte, 64))

	v.SetUint64(0x7000, 0x1122334455667788)
	if got := v.Uint64(0x7000); got != 0x1122334455667788 {
		t.Errorf("Uint64 = %#x", got)
	}
	// Little-endian byte order.
	if b := v.Bytes(0x7000, 2); b[0] != 0x88 || b[1] != 0x77 {
		t.Errorf("bytes = %#x %#x, want 0x88 0x77", b[0], b[1])
	}

	v.SetUint32(0x7020, 0xcafebabe)
	if got := v.Uint32(0x7020); got != 0xcafebabe {
		t.Errorf("Uint32 = %#x", got)
	}

	// Bytes aliases the backing store.
	v.Bytes(0x7030, 1)[0] = 0x5a
	if got := v.Uint32(0x7030) & 0xff; got != 0x5a {
		t.Errorf("aliased write not visible, got %#x", got)
	}
}

func TestViewBounds(t *testing.T) {
	v := NewView(0x7000, make([]byte, 16))

	if v.Base() != 0x7000 || v.Limit() != 0x7010 {
		t.Fatalf("range = [%#x,%#x)", uint64(v.Base()), uint64(v.Limit()))
	}
	if !v.Contains(0x7008, 8) {
		t.Error("Contains(0x7008, 8) = false")
	}
	if v.Contains(0x7009, 8) {
		t.Error("Contains(0x7009, 8) = true")
	}
	if v.Contains(0x6fff, 1) {
		t.Error("Contains below base = true")
	}
}

func TestViewPanicsOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		f    func(v *View)
	}{
		{"read above", func(v *View) { v.Uint64(0x7009) }},
		{"read below", func(v *View) { v.Uint32(0x6ffc) }},
		{"write above", func(v *View) { v.SetUint64(0x7010, 1) }},
		{"bytes span", func(v *View) { v.Bytes(0x700c, 8) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("no panic")
				}
			}()
			tt.f(NewView(0x7000, make([]byte, 16)))
		})
	}
}
