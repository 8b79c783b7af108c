package stunmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsStunMessage(t *testing.T) {
	b, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	raw, err := b.Encode(nil, false)
	require.NoError(t, err)
	assert.True(t, IsStunMessage(raw))
	assert.False(t, IsStunMessage([]byte("not stun")))
	assert.False(t, IsStunMessage(raw[:10]))
}

func TestEncodeParseRoundTrip(t *testing.T) {
	b, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	b.AddString(AttrUsername, "uB:uA").
		AddUint32(AttrPriority, 1853821679).
		AddUint64(AttrICEControlling, 0x1122334455667788).
		AddFlag(AttrUseCandidate)

	raw, err := b.Encode(nil, false)
	require.NoError(t, err)

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, ClassRequest, msg.Class)
	assert.Equal(t, MethodBinding, msg.Method)
	assert.Equal(t, b.TransactionID(), msg.TransactionID)

	user, ok := msg.Get(AttrUsername)
	require.True(t, ok)
	assert.Equal(t, "uB:uA", string(user.Value))

	assert.True(t, msg.Has(AttrUseCandidate))
	assert.False(t, msg.Has(AttrRealm))
}

func TestMessageIntegrityRoundTrip(t *testing.T) {
	key := []byte("the-remote-password")
	b, err := NewRequest(MethodBinding)
	require.NoError(t, err)
	b.AddString(AttrUsername, "uB:uA")

	raw, err := b.Encode(key, true)
	require.NoError(t, err)

	assert.True(t, VerifyMessageIntegrity(raw, key))
	assert.True(t, VerifyFingerprint(raw))

	assert.False(t, VerifyMessageIntegrity(raw, []byte("wrong-password")))

	tampered := append([]byte(nil), raw...)
	tampered[21] ^= 0xFF
	assert.False(t, VerifyFingerprint(tampered))
}

func TestXORAddressRoundTrip(t *testing.T) {
	b, err := NewResponseBuilderForTest()
	require.NoError(t, err)
	ip := []byte{192, 168, 1, 42}
	b.AddXORMappedAddress(AttrXORMappedAddress, ip, 54321)
	raw, err := b.Encode(nil, false)
	require.NoError(t, err)

	msg, err := Parse(raw)
	require.NoError(t, err)
	attr, ok := msg.Get(AttrXORMappedAddress)
	require.True(t, ok)

	_, decodedIP, decodedPort, err := DecodeXORAddress(msg.TransactionID, attr.Value)
	require.NoError(t, err)
	assert.Equal(t, ip, decodedIP)
	assert.EqualValues(t, 54321, decodedPort)
}

// NewResponseBuilderForTest avoids coupling this codec test to an actual
// inbound request just to get a Builder with a transaction id.
func NewResponseBuilderForTest() (*Builder, error) {
	return NewRequest(MethodBinding)
}

func TestParseRejectsTruncated(t *testing.T) {
	_, err := Parse([]byte{0, 1, 0, 0})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseRejectsBadCookie(t *testing.T) {
	raw := make([]byte, 20)
	_, err := Parse(raw)
	assert.ErrorIs(t, err, ErrMalformed)
}
