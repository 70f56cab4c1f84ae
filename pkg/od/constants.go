package od

import (
	"fmt"
)

type ODR int8

const (
	ErrNo           ODR = 0
	ErrUnsuppAccess ODR = 2
	ErrWriteOnly    ODR = 3
	ErrReadonly     ODR = 4
	ErrIdxNotExist  ODR = 5
	ErrTypeMismatch ODR = 11
	ErrDataLong     ODR = 12
	ErrDataShort    ODR = 13
	ErrSubNotExist  ODR = 14
	ErrGeneral      ODR = 20
	ErrOdMissing    ODR = 24
)

var odrDescription = map[ODR]string{
	ErrNo:           "no error",
	ErrUnsuppAccess: "unsupported access",
	ErrWriteOnly:    "write only object",
	ErrReadonly:     "read only object",
	ErrIdxNotExist:  "index does not exist",
	ErrTypeMismatch: "type mismatch",
	ErrDataLong:     "data too long",
	ErrDataShort:    "data too short",
	ErrSubNotExist:  "sub index does not exist",
	ErrGeneral:      "general error",
	ErrOdMissing:    "object dictionary missing",
}

func (odr ODR) Error() string {
	if description, ok := odrDescription[odr]; ok {
		return fmt.Sprintf("OD error %d : %s", int(odr), description)
	}
	return fmt.Sprintf("OD error %d", int(odr))
}

// CANopen data types
const (
	BOOLEAN        uint8 = 0x01
	INTEGER8       uint8 = 0x02
	INTEGER16      uint8 = 0x03
	INTEGER32      uint8 = 0x04
	UNSIGNED8      uint8 = 0x05
	UNSIGNED16     uint8 = 0x06
	UNSIGNED32     uint8 = 0x07
	REAL32         uint8 = 0x08
	VISIBLE_STRING uint8 = 0x09
	OCTET_STRING   uint8 = 0x0A
	UNICODE_STRING uint8 = 0x0B
	DOMAIN         uint8 = 0x0F
	REAL64         uint8 = 0x11
	INTEGER64      uint8 = 0x15
	UNSIGNED64     uint8 = 0x1B
)

// Object types as found in EDS files
const (
	ObjectTypeVAR    uint8 = 7
	ObjectTypeARRAY  uint8 = 8
	ObjectTypeRECORD uint8 = 9
)

// Object dictionary object attribute
const (
	AttributeSdoR  uint8 = 0x01 // SDO server may read from the variable
	AttributeSdoW  uint8 = 0x02 // SDO server may write to the variable
	AttributeSdoRw uint8 = 0x03 // SDO server may read from or write to the variable
	// Shorter value, than specified variable size, may be
	// written to the variable.
	// Attribute is used for VISIBLE_STRING, OCTET_STRING and UNICODE_STRING.
	AttributeStr uint8 = 0x80
)

// Well known entries used by the shell
const (
	IndexDeviceType         uint16 = 0x1000
	IndexErrorRegister      uint16 = 0x1001
	IndexCommCyclePeriod    uint16 = 0x1006
	IndexProducerHeartbeat  uint16 = 0x1017
	IndexIdentity           uint16 = 0x1018
	IndexOSCommand          uint16 = 0x1023
	IndexOSCommandMode      uint16 = 0x1024
	IndexStatus3            uint16 = 0x2003
	IndexControlword        uint16 = 0x6040
	IndexStatusword         uint16 = 0x6041
	SubIndexVendorId        uint8  = 1
	SubIndexProductCode     uint8  = 2
	SubIndexRevisionNumber  uint8  = 3
	SubIndexOSCommand       uint8  = 1
	SubIndexOSCommandStatus uint8  = 2
	SubIndexOSCommandReply  uint8  = 3
)
