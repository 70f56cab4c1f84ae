package sdo

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/samsamfire/coshell/pkg/od"
)

var (
	ErrLineBusy       = errors.New("sdo line with this node is already in use")
	ErrTransferClosed = errors.New("sdo transfer already finalized")
	ErrInvalidArgs    = errors.New("invalid sdo arguments")
	ErrNotStarted     = errors.New("sdo client not started")
)

// Common defines to both SDO server and SDO client
type AbortCode uint32

const (
	DefaultClientTimeout = 1000
	DefaultServerTimeout = 1000
	ClientBaseId         = 0x600
	ServerBaseId         = 0x580
	// Payload bytes carried by one segment
	BlockSeqSize = 7
)

const (
	AbortToggleBit         AbortCode = 0x05030000
	AbortTimeout           AbortCode = 0x05040000
	AbortCmd               AbortCode = 0x05040001
	AbortOutOfMem          AbortCode = 0x05040005
	AbortUnsupportedAccess AbortCode = 0x06010000
	AbortWriteOnly         AbortCode = 0x06010001
	AbortReadOnly          AbortCode = 0x06010002
	AbortNotExist          AbortCode = 0x06020000
	AbortParamIncompat     AbortCode = 0x06040043
	AbortDeviceIncompat    AbortCode = 0x06040047
	AbortHardware          AbortCode = 0x06060000
	AbortTypeMismatch      AbortCode = 0x06070010
	AbortDataLong          AbortCode = 0x06070012
	AbortDataShort         AbortCode = 0x06070013
	AbortSubUnknown        AbortCode = 0x06090011
	AbortInvalidValue      AbortCode = 0x06090030
	AbortGeneral           AbortCode = 0x08000000
	AbortDataTransfer      AbortCode = 0x08000020
	AbortDataLocalControl  AbortCode = 0x08000021
	AbortDataDeviceState   AbortCode = 0x08000022
	AbortDataOD            AbortCode = 0x08000023
	AbortNoData            AbortCode = 0x08000024
)

var AbortCodeDescriptionMap = map[AbortCode]string{
	AbortToggleBit:         "Toggle bit not altered",
	AbortTimeout:           "SDO protocol timed out",
	AbortCmd:               "Command specifier not valid or unknown",
	AbortOutOfMem:          "Out of memory",
	AbortUnsupportedAccess: "Unsupported access to an object",
	AbortWriteOnly:         "Attempt to read a write only object",
	AbortReadOnly:          "Attempt to write a read only object",
	AbortNotExist:          "Object does not exist in the object dictionary",
	AbortParamIncompat:     "General parameter incompatibility reasons",
	AbortDeviceIncompat:    "General internal incompatibility in device",
	AbortHardware:          "Access failed due to hardware error",
	AbortTypeMismatch:      "Data type does not match, length does not match",
	AbortDataLong:          "Data type does not match, length too high",
	AbortDataShort:         "Data type does not match, length too short",
	AbortSubUnknown:        "Sub index does not exist",
	AbortInvalidValue:      "Invalid value for parameter (download only)",
	AbortGeneral:           "General error",
	AbortDataTransfer:      "Data cannot be transferred or stored to application",
	AbortDataLocalControl:  "Data cannot be transferred because of local control",
	AbortDataDeviceState:   "Data cannot be tran. because of present device state",
	AbortDataOD:            "Object dict. not present or dynamic generation fails",
	AbortNoData:            "No data available",
}

var odToAbortMap = map[od.ODR]AbortCode{
	od.ErrUnsuppAccess: AbortUnsupportedAccess,
	od.ErrWriteOnly:    AbortWriteOnly,
	od.ErrReadonly:     AbortReadOnly,
	od.ErrIdxNotExist:  AbortNotExist,
	od.ErrTypeMismatch: AbortTypeMismatch,
	od.ErrDataLong:     AbortDataLong,
	od.ErrDataShort:    AbortDataShort,
	od.ErrSubNotExist:  AbortSubUnknown,
	od.ErrGeneral:      AbortGeneral,
	od.ErrOdMissing:    AbortDataOD,
}

// Get the associated abort code, if the code is not present in map, return AbortDeviceIncompat
func ConvertOdToSdoAbort(err error) AbortCode {
	var odr od.ODR
	if !errors.As(err, &odr) {
		return AbortDeviceIncompat
	}
	abortCode, ok := odToAbortMap[odr]
	if ok {
		return abortCode
	}
	return AbortDeviceIncompat
}

func (abort AbortCode) Error() string {
	return fmt.Sprintf("x%08x : %s", uint32(abort), abort.Description())
}

func (abort AbortCode) Description() string {
	description, ok := AbortCodeDescriptionMap[abort]
	if ok {
		return description
	}
	return AbortCodeDescriptionMap[AbortGeneral]
}

// SDOMessage is the 8 byte payload of any SDO frame
type SDOMessage struct {
	raw [8]byte
}

func (msg *SDOMessage) IsAbort() bool {
	return msg.raw[0] == 0x80
}

func (msg *SDOMessage) GetAbortCode() AbortCode {
	return AbortCode(binary.LittleEndian.Uint32(msg.raw[4:]))
}

func (msg *SDOMessage) GetIndex() uint16 {
	return binary.LittleEndian.Uint16(msg.raw[1:3])
}

func (msg *SDOMessage) GetSubindex() uint8 {
	return msg.raw[3]
}

func (msg *SDOMessage) GetToggle() uint8 {
	return msg.raw[0] & 0x10
}

// Command specifier, upper 3 bits of the first byte
func (msg *SDOMessage) Command() uint8 {
	return msg.raw[0] >> 5
}

func (msg *SDOMessage) IsExpedited() bool {
	return msg.raw[0]&0x02 != 0
}

func (msg *SDOMessage) IsSizeIndicated() bool {
	return msg.raw[0]&0x01 != 0
}

// Number of meaningful bytes of an expedited transfer
func (msg *SDOMessage) ExpeditedSize() int {
	if !msg.IsSizeIndicated() {
		return 4
	}
	return 4 - int((msg.raw[0]>>2)&0x03)
}

// Number of meaningful bytes of a segment
func (msg *SDOMessage) SegmentSize() int {
	return BlockSeqSize - int((msg.raw[0]>>1)&0x07)
}

func (msg *SDOMessage) IsLastSegment() bool {
	return msg.raw[0]&0x01 != 0
}

// Client and server command specifiers
const (
	ccsDownloadSegment  uint8 = 0
	ccsDownloadInitiate uint8 = 1
	ccsUploadInitiate   uint8 = 2
	ccsUploadSegment    uint8 = 3
	csAbort             uint8 = 4
	scsUploadSegment    uint8 = 0
	scsDownloadSegment  uint8 = 1
	scsUploadInitiate   uint8 = 2
	scsDownloadInitiate uint8 = 3
)

func newMultiplexedMessage(command byte, index uint16, subindex uint8) [8]byte {
	var raw [8]byte
	raw[0] = command
	binary.LittleEndian.PutUint16(raw[1:3], index)
	raw[3] = subindex
	return raw
}

func newAbortMessage(index uint16, subindex uint8, code AbortCode) [8]byte {
	raw := newMultiplexedMessage(0x80, index, subindex)
	binary.LittleEndian.PutUint32(raw[4:], uint32(code))
	return raw
}
