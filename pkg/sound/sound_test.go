package sound

import (
	"testing"
)

func TestDurationInvalid(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"text", []byte("this is not an mp3 file at all")},
		{"truncated header", []byte{0xff, 0xfb, 0x90}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Duration(tt.data)
			if err == nil {
				t.Fatalf("Duration() = %s, nil; want error", got)
			}
		})
	}
}
