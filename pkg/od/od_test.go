package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultDictionaries(t *testing.T) {
	master := Default(true, 0x01)
	slave := Default(false, 0x0A)

	value, err := slave.Read(IndexDeviceType, 0)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x00020192, DecodeUint(value))

	value, err = master.Read(IndexIdentity, SubIndexVendorId)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x175, DecodeUint(value))

	_, err = master.Lookup(IndexStatusword, 0)
	assert.Equal(t, ErrIdxNotExist, err)
	_, err = slave.Lookup(IndexStatusword, 0)
	assert.Nil(t, err)

	reply, err := slave.Lookup(IndexOSCommand, SubIndexOSCommandReply)
	assert.Nil(t, err)
	assert.True(t, reply.HasAttribute(AttributeStr))
	assert.False(t, reply.HasAttribute(AttributeSdoW))
	assert.EqualValues(t, ObjectTypeRECORD, slave.Index(IndexOSCommand).ObjectType)
}

func TestParseNodeIdOffset(t *testing.T) {
	raw := []byte(`
[1200]
ParameterName=SDO server parameter
ObjectType=0x9

[1200sub1]
ParameterName=COB-ID client to server
ObjectType=0x7
DataType=0x0007
AccessType=ro
DefaultValue=$NODEID+0x600
`)
	od, err := Parse(raw, 0x10)
	assert.Nil(t, err)
	value, err := od.Read(0x1200, 1)
	assert.Nil(t, err)
	assert.EqualValues(t, 0x610, DecodeUint(value))
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("[2000]\nDataType=0x0007\nAccessType=xx\n"), 0)
	assert.NotNil(t, err)
	_, err = Parse([]byte("[2000]\nDataType=0x0007\nAccessType=rw\nDefaultValue=hello\n"), 0)
	assert.NotNil(t, err)
}

func TestWriteChecksSizeAndCallsHooks(t *testing.T) {
	od := Default(false, 0x0A)
	var hooked []byte
	assert.Nil(t, od.OnWrite(IndexStatus3, 0, func(index uint16, subindex uint8, value []byte) {
		hooked = value
	}))
	assert.NotNil(t, od.OnWrite(0x5000, 0, func(uint16, uint8, []byte) {}))

	assert.Equal(t, ErrDataShort, od.Write(IndexStatus3, 0, []byte{1}))
	assert.Equal(t, ErrDataLong, od.Write(IndexStatus3, 0, []byte{1, 2, 3, 4, 5}))
	assert.Nil(t, hooked)
	assert.Nil(t, od.Write(IndexStatus3, 0, []byte{0x78, 0x56, 0x34, 0x12}))
	assert.Equal(t, []byte{0x78, 0x56, 0x34, 0x12}, hooked)

	// Strings accept any length
	assert.Nil(t, od.Write(IndexOSCommand, SubIndexOSCommand, []byte("status")))
	value, _ := od.Read(IndexOSCommand, SubIndexOSCommand)
	assert.Equal(t, "status", string(value))

	assert.Equal(t, ErrSubNotExist, od.Write(IndexIdentity, 9, []byte{0}))
}

func TestEncodeDecode(t *testing.T) {
	data, err := EncodeFromString("-2", INTEGER16, 0)
	assert.Nil(t, err)
	decoded, err := DecodeToType(data, INTEGER16)
	assert.Nil(t, err)
	assert.EqualValues(t, -2, decoded)

	_, err = DecodeToType([]byte{1}, UNSIGNED32)
	assert.Equal(t, ErrDataShort, err)

	assert.EqualValues(t, 0x0102, DecodeUint([]byte{2, 1}))
	assert.EqualValues(t, 0, DecodeUint(nil))
	assert.Equal(t, 0, Size(VISIBLE_STRING))
}

func TestWriteInternalSkipsHooks(t *testing.T) {
	od := Default(true, 0x01)
	calls := 0
	assert.Nil(t, od.OnWrite(IndexStatus3, 0, func(uint16, uint8, []byte) { calls++ }))
	assert.Nil(t, od.WriteInternal(IndexStatus3, 0, []byte{0, 0, 0, 0}))
	assert.Equal(t, 0, calls)
	assert.Equal(t, ErrDataShort, od.WriteInternal(IndexStatus3, 0, []byte{0}))
	assert.Nil(t, od.Write(IndexStatus3, 0, []byte{1, 0, 0, 0}))
	assert.Equal(t, 1, calls)
}
