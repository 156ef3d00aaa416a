package structures

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderB16(t *testing.T) {
	tests := []struct {
		name  string
		wire  []byte
		want  [][]byte
		field string
	}{
		{"empty buffer last", []byte{0x00, 0x01, 0xaa, 0x00, 0x00}, [][]byte{{0xaa}, nil}, ""},
		{"two empty buffers", []byte{0x00, 0x00, 0x00, 0x00}, [][]byte{nil, nil}, ""},
		{"size past end", []byte{0x00, 0x01, 0xaa, 0x00, 0x03, 0xbb}, nil, "second"},
		{"missing size", []byte{0x00, 0x00}, nil, "second"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := newDecoder("Pair", tc.wire)
			first := d.b16("first")
			second := d.b16("second")
			err := d.finish()
			if tc.field != "" {
				var de *DecodeError
				require.True(t, errors.As(err, &de), "%v", err)
				assert.Equal(t, tc.field, de.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, [][]byte{first, second})
		})
	}
}

func TestEmptyTrailingBuffersRoundTrip(t *testing.T) {
	p, err := RSAStorageTemplate(2048)
	require.NoError(t, err)
	require.Empty(t, p.Unique())
	decoded, err := UnmarshalPublic(p.Marshal())
	require.NoError(t, err)
	assert.True(t, p.Equal(decoded))

	s, err := NewSensitiveCreate([]byte("auth"), nil)
	require.NoError(t, err)
	ds, err := UnmarshalSensitiveCreate(s.Marshal())
	require.NoError(t, err)
	assert.Equal(t, s, ds)

	tk, err := UnmarshalTicket(NullHashCheck().Marshal())
	require.NoError(t, err)
	assert.Empty(t, tk.Digest())
}
