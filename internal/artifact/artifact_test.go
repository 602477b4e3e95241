package artifact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	hash := "0x" + strings.Repeat("ab", 32)
	tests := []struct {
		name string
		in   string
		want Kind
	}{
		{"tx hash", hash, KindTxHash},
		{"upper prefix", "0X" + strings.Repeat("CD", 32), KindTxHash},
		{"raw tx", "0xf86c" + strings.Repeat("00", 40), KindRawTx},
		{"odd raw", "0x" + strings.Repeat("a", 67), KindUnknown},
		{"short", "0xsig", KindUnknown},
		{"short hex", "0xdead", KindUnknown},
		{"no prefix", strings.Repeat("ab", 32), KindUnknown},
		{"empty", "", KindUnknown},
		{"bare prefix", "0x", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.in))
		})
	}
}

func TestTxHash(t *testing.T) {
	_, err := TxHash("0xc0")
	assert.Error(t, err, "too short to be a raw transaction")

	rawTx := "0x" + strings.Repeat("00", 32) + "01"
	got, err := TxHash(rawTx)
	require.NoError(t, err)
	assert.Equal(t, "0xc13ad76448cbefd1ee83b801bcd8f33061f2577d6118395e7b44ea21c7ef62e0", got)
	assert.Equal(t, KindTxHash, Classify(got))

	kind, hash := Describe(rawTx)
	assert.Equal(t, KindRawTx, kind)
	assert.Equal(t, got, hash)

	upper := "0x" + strings.Repeat("AB", 32)
	got, err = TxHash(upper)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(upper), got)
}

func TestDescribe_Unknown(t *testing.T) {
	kind, hash := Describe("0xsig")
	assert.Equal(t, KindUnknown, kind)
	assert.Empty(t, hash)
}
