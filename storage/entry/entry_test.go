package entry

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrips(value Value) bool {
	buf := value.AppendPayload(nil)
	out, n, err := DecodePayload(value.Type(), buf)
	return err == nil && n == len(buf) && out.Equal(value)
}

func TestValueCodec_RoundTripProperties(t *testing.T) {
	t.Parallel()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("uint8 round-trips", prop.ForAll(
		func(v uint8) bool { return roundTrips(Uint8(v)) }, gen.UInt8(),
	))
	properties.Property("int8 round-trips", prop.ForAll(
		func(v int8) bool { return roundTrips(Int8(v)) }, gen.Int8(),
	))
	properties.Property("uint16 round-trips", prop.ForAll(
		func(v uint16) bool { return roundTrips(Uint16(v)) }, gen.UInt16(),
	))
	properties.Property("int16 round-trips", prop.ForAll(
		func(v int16) bool { return roundTrips(Int16(v)) }, gen.Int16(),
	))
	properties.Property("uint32 round-trips", prop.ForAll(
		func(v uint32) bool { return roundTrips(Uint32(v)) }, gen.UInt32(),
	))
	properties.Property("int32 round-trips", prop.ForAll(
		func(v int32) bool { return roundTrips(Int32(v)) }, gen.Int32(),
	))
	properties.Property("uint64 round-trips", prop.ForAll(
		func(v uint64) bool { return roundTrips(Uint64(v)) }, gen.UInt64(),
	))
	properties.Property("int64 round-trips", prop.ForAll(
		func(v int64) bool { return roundTrips(Int64(v)) }, gen.Int64(),
	))
	properties.Property("float32 round-trips", prop.ForAll(
		func(v float32) bool { return roundTrips(Float32(v)) }, gen.Float32(),
	))
	properties.Property("float64 round-trips", prop.ForAll(
		func(v float64) bool { return roundTrips(Float64(v)) }, gen.Float64(),
	))
	properties.Property("string round-trips", prop.ForAll(
		func(v string) bool { return roundTrips(String(v)) },
		gen.AlphaString().SuchThat(func(v string) bool { return len(v) > 0 }),
	))
	properties.Property("u8string round-trips", prop.ForAll(
		func(v string) bool { return roundTrips(U8String(v)) },
		gen.AlphaString().SuchThat(func(v string) bool { return len(v) > 0 }),
	))
	properties.Property("blob round-trips", prop.ForAll(
		func(v []uint8) bool { return roundTrips(Blob(v)) },
		gen.SliceOf(gen.UInt8()).SuchThat(func(v []uint8) bool { return len(v) > 0 }),
	))

	properties.TestingRun(t)
}

func TestValueCodec_LittleEndianLayout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte{0x39, 0x30, 0x00, 0x00}, Uint32(12345).AppendPayload(nil))
	assert.Equal(t, []byte{0xFF, 0xFF}, Int16(-1).AppendPayload(nil))
	// 1.0f is 0x3F800000
	assert.Equal(t, []byte{0x00, 0x00, 0x80, 0x3F}, Float32(1.0).AppendPayload(nil))
	// blob-like payloads carry a 32-bit length prefix
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00, 'h', 'i'}, String("hi").AppendPayload(nil))
	// a tombstone has no payload
	assert.Empty(t, Removed().AppendPayload(nil))
}

func TestDecodePayload_Errors(t *testing.T) {
	t.Parallel()

	_, _, err := DecodePayload(Type(0x7F), []byte{1, 2, 3, 4})
	assert.Error(t, err, "unknown tag must fail")

	_, _, err = DecodePayload(TypeUint64, []byte{1, 2, 3})
	assert.Error(t, err, "truncated scalar must fail")

	_, _, err = DecodePayload(TypeBlob, []byte{0, 0, 0, 0})
	assert.Error(t, err, "zero-length blob must fail")

	_, _, err = DecodePayload(TypeString, []byte{9, 0, 0, 0, 'a'})
	assert.Error(t, err, "overlong length prefix must fail")
}

func TestValue_Accessors(t *testing.T) {
	t.Parallel()

	v := Uint32(12345)
	got, ok := v.AsUint32()
	require.True(t, ok)
	assert.Equal(t, uint32(12345), got)

	_, ok = v.AsUint64()
	assert.False(t, ok, "accessor of the wrong type must miss")

	blob, ok := Blob([]byte{1, 2}).AsBlob()
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2}, blob)

	assert.True(t, Removed().IsRemoved())
	assert.True(t, Tombstone().IsTombstone())
}

func TestExpirationClock(t *testing.T) {
	t.Parallel()

	assert.False(t, IsExpired(ExpirationNone))
	assert.True(t, IsExpired(ExpirationTombstone))
	assert.True(t, IsExpired(2), "an ancient deadline is expired")
	assert.False(t, IsExpired(Now()+10_000))

	deadline := Deadline(5 * time.Millisecond)
	assert.Greater(t, deadline, Now()-1)
	time.Sleep(10 * time.Millisecond)
	assert.True(t, IsExpired(deadline))
}
