package od

import (
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Variable is the smallest addressable element of the dictionary
type Variable struct {
	Name      string
	SubIndex  uint8
	DataType  uint8
	Attribute uint8
	value     []byte
}

// DataLength is the fixed size of the variable, 0 for strings and domains
func (v *Variable) DataLength() int {
	return Size(v.DataType)
}

func (v *Variable) HasAttribute(attribute uint8) bool {
	return v.Attribute&attribute == attribute
}

// Entry regroups the variables of one index
type Entry struct {
	Index      uint16
	Name       string
	ObjectType uint8
	subs       map[uint8]*Variable
}

// SubIndex returns the variable at subindex
func (entry *Entry) SubIndex(subindex uint8) (*Variable, error) {
	v, ok := entry.subs[subindex]
	if !ok {
		return nil, ErrSubNotExist
	}
	return v, nil
}

// WriteHook is called after a variable has been written, with the new value
type WriteHook func(index uint16, subindex uint8, value []byte)

type hookKey struct {
	index    uint16
	subindex uint8
}

// ObjectDictionary of a local node.
// All accessors are safe for concurrent use.
type ObjectDictionary struct {
	mu      sync.RWMutex
	entries map[uint16]*Entry
	hooks   map[hookKey][]WriteHook
}

func NewOD() *ObjectDictionary {
	return &ObjectDictionary{
		entries: map[uint16]*Entry{},
		hooks:   map[hookKey][]WriteHook{},
	}
}

// AddVariable adds a variable to the dictionary, creating the entry if needed.
// defaultValue is parsed according to dataType.
func (od *ObjectDictionary) AddVariable(index uint16, subindex uint8, name string, dataType uint8, attribute uint8, defaultValue string) (*Variable, error) {
	value, err := EncodeFromString(defaultValue, dataType, 0)
	if err != nil {
		return nil, err
	}
	if IsString(dataType) {
		attribute |= AttributeStr
	}
	od.mu.Lock()
	defer od.mu.Unlock()
	entry, ok := od.entries[index]
	if !ok {
		entry = &Entry{Index: index, Name: name, ObjectType: ObjectTypeVAR, subs: map[uint8]*Variable{}}
		od.entries[index] = entry
	}
	if subindex != 0 {
		entry.ObjectType = ObjectTypeRECORD
	}
	v := &Variable{Name: name, SubIndex: subindex, DataType: dataType, Attribute: attribute, value: value}
	entry.subs[subindex] = v
	return v, nil
}

// Index returns the entry at index or nil
func (od *ObjectDictionary) Index(index uint16) *Entry {
	od.mu.RLock()
	defer od.mu.RUnlock()
	return od.entries[index]
}

// Indexes returns all the indexes, sorted
func (od *ObjectDictionary) Indexes() []uint16 {
	od.mu.RLock()
	defer od.mu.RUnlock()
	indexes := make([]uint16, 0, len(od.entries))
	for index := range od.entries {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes
}

// Lookup returns the variable at index/subindex
func (od *ObjectDictionary) Lookup(index uint16, subindex uint8) (*Variable, error) {
	od.mu.RLock()
	defer od.mu.RUnlock()
	return od.lookup(index, subindex)
}

func (od *ObjectDictionary) lookup(index uint16, subindex uint8) (*Variable, error) {
	entry, ok := od.entries[index]
	if !ok {
		return nil, ErrIdxNotExist
	}
	return entry.SubIndex(subindex)
}

// Read returns a copy of the value stored at index/subindex
func (od *ObjectDictionary) Read(index uint16, subindex uint8) ([]byte, error) {
	od.mu.RLock()
	defer od.mu.RUnlock()
	v, err := od.lookup(index, subindex)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v.value...), nil
}

// Write stores value at index/subindex, fixed size variables must be
// written with their exact size. Registered hooks are called after the write.
func (od *ObjectDictionary) Write(index uint16, subindex uint8, value []byte) error {
	return od.write(index, subindex, value, true)
}

// WriteInternal stores value like [ObjectDictionary.Write] without calling hooks
func (od *ObjectDictionary) WriteInternal(index uint16, subindex uint8, value []byte) error {
	return od.write(index, subindex, value, false)
}

func (od *ObjectDictionary) write(index uint16, subindex uint8, value []byte, notify bool) error {
	od.mu.Lock()
	v, err := od.lookup(index, subindex)
	if err != nil {
		od.mu.Unlock()
		return err
	}
	if err := CheckSize(len(value), v.DataType); err != nil {
		od.mu.Unlock()
		return err
	}
	v.value = append([]byte(nil), value...)
	var hooks []WriteHook
	if notify {
		hooks = od.hooks[hookKey{index, subindex}]
	}
	od.mu.Unlock()

	log.Debugf("[OD] wrote x%x|x%x : %v", index, subindex, value)
	for _, hook := range hooks {
		hook(index, subindex, append([]byte(nil), value...))
	}
	return nil
}

// OnWrite registers a hook called after each write of index/subindex
func (od *ObjectDictionary) OnWrite(index uint16, subindex uint8, hook WriteHook) error {
	od.mu.Lock()
	defer od.mu.Unlock()
	if _, err := od.lookup(index, subindex); err != nil {
		return fmt.Errorf("cannot watch x%x|x%x : %w", index, subindex, err)
	}
	key := hookKey{index, subindex}
	od.hooks[key] = append(od.hooks[key], hook)
	return nil
}
