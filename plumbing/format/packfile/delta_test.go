package packfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeLEB128(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    []byte
		want     uint
		wantRest []byte
	}{
		{
			name:     "single byte, small number",
			input:    []byte{0x01, 0xFF},
			want:     1,
			wantRest: []byte{0xFF},
		},
		{
			name:     "single byte, max value without continuation",
			input:    []byte{0x7F, 0xFF},
			want:     127,
			wantRest: []byte{0xFF},
		},
		{
			name:     "two bytes",
			input:    []byte{0x80, 0x01, 0xFF},
			want:     128,
			wantRest: []byte{0xFF},
		},
		{
			name:     "two bytes, larger number",
			input:    []byte{0xFF, 0x01, 0xFF},
			want:     255,
			wantRest: []byte{0xFF},
		},
		{
			name:     "three bytes",
			input:    []byte{0x80, 0x80, 0x01, 0xFF},
			want:     16384,
			wantRest: []byte{0xFF},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, rest := DecodeLEB128(tc.input)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.wantRest, rest)
		})
	}
}

func TestPatchDelta(t *testing.T) {
	t.Parallel()

	src := []byte("hello")

	// Copy the whole source, then insert " world".
	delta := []byte{0x05, 0x0b, 0x90, 0x05, 0x06}
	delta = append(delta, []byte(" world")...)

	got, err := PatchDelta(src, delta)
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)
}

func TestPatchDeltaCopyWithOffset(t *testing.T) {
	t.Parallel()

	src := []byte("hello world")

	// Insert "say: ", then copy "world" from offset 6.
	delta := []byte{0x0b, 0x0a, 0x05}
	delta = append(delta, []byte("say: ")...)
	delta = append(delta, 0x91, 0x06, 0x05)

	got, err := PatchDelta(src, delta)
	assert.NoError(t, err)
	assert.Equal(t, []byte("say: world"), got)
}

func TestPatchDeltaErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		src   []byte
		delta []byte
		want  error
	}{
		{
			name:  "empty source",
			src:   nil,
			delta: []byte{0x00, 0x01, 0x01, 0x61},
			want:  ErrInvalidDelta,
		},
		{
			name:  "delta too short",
			src:   []byte("hello"),
			delta: []byte{0x05},
			want:  ErrInvalidDelta,
		},
		{
			name:  "source size mismatch",
			src:   []byte("hello"),
			delta: []byte{0x04, 0x01, 0x01, 0x61},
			want:  ErrInvalidDelta,
		},
		{
			name:  "invalid command",
			src:   []byte("hello"),
			delta: []byte{0x05, 0x02, 0x00, 0x61, 0x61},
			want:  ErrDeltaCmd,
		},
		{
			name:  "insert past declared target size",
			src:   []byte("hello"),
			delta: []byte{0x05, 0x01, 0x02, 0x61, 0x61},
			want:  ErrInvalidDelta,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := PatchDelta(tc.src, tc.delta)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}
