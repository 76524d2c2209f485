package page

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
)

// Record layout:
//
//	| numSlots (2) | freeEnd (2) | slot 0 (4) | slot 1 (4) | ... free ... | records |
//
// A slot is | offset (2) | length (2) |; offset 0 marks a deleted record.
// Records are packed from the end of the page towards the slot directory.
// A freeEnd of 0 stands for the end of the page, so a zero-filled buffer is
// a valid empty page.
const (
	headerSize = 4
	slotSize   = 4

	MinPageSize = 64
	MaxPageSize = 1<<16 - 1
)

var (
	ErrNoSpace      = errors.New("not enough free space on the page")
	ErrInvalidSlot  = errors.New("invalid slot")
	ErrSlotDeleted  = errors.New("record is deleted")
	ErrRecordTooBig = errors.New("record does not fit into an empty page")
	ErrSizeMismatch = errors.New("record size mismatch")
)

func (p *SlottedPage) NumSlots() uint16 {
	return binary.LittleEndian.Uint16(p.data[0:2])
}

func (p *SlottedPage) setNumSlots(n uint16) {
	binary.LittleEndian.PutUint16(p.data[0:2], n)
}

func (p *SlottedPage) freeEnd() int {
	v := int(binary.LittleEndian.Uint16(p.data[2:4]))
	if v == 0 {
		return len(p.data)
	}
	return v
}

func (p *SlottedPage) setFreeEnd(v int) {
	if v == len(p.data) {
		v = 0
	}
	binary.LittleEndian.PutUint16(p.data[2:4], uint16(v)) //nolint:gosec
}

func (p *SlottedPage) slot(i uint16) (offset int, length int) {
	pos := headerSize + int(i)*slotSize
	offset = int(binary.LittleEndian.Uint16(p.data[pos : pos+2]))
	length = int(binary.LittleEndian.Uint16(p.data[pos+2 : pos+4]))
	return offset, length
}

func (p *SlottedPage) setSlot(i uint16, offset int, length int) {
	pos := headerSize + int(i)*slotSize
	binary.LittleEndian.PutUint16(p.data[pos:pos+2], uint16(offset))   //nolint:gosec
	binary.LittleEndian.PutUint16(p.data[pos+2:pos+4], uint16(length)) //nolint:gosec
}

func (p *SlottedPage) freeSlot() (uint16, bool) {
	n := p.NumSlots()
	for i := range n {
		if off, _ := p.slot(i); off == 0 {
			return i, true
		}
	}
	return n, false
}

// FreeSpace is the number of bytes a new record (without a reused slot) can
// take once the page is compacted.
func (p *SlottedPage) FreeSpace() int {
	used := headerSize + int(p.NumSlots())*slotSize
	n := p.NumSlots()
	for i := range n {
		if off, l := p.slot(i); off != 0 {
			used += l
		}
	}
	return len(p.data) - used
}

// CanFit reports whether Insert(record) would succeed.
func (p *SlottedPage) CanFit(recordLen int) bool {
	need := recordLen
	if _, reuse := p.freeSlot(); !reuse {
		need += slotSize
	}
	return p.FreeSpace() >= need
}

// MaxRecordSize is the largest record an empty page of pageSize bytes holds.
func MaxRecordSize(pageSize int) int {
	return pageSize - headerSize - slotSize
}

func (p *SlottedPage) Insert(record []byte) (common.SlotNum, error) {
	if len(record) > MaxRecordSize(len(p.data)) {
		return 0, fmt.Errorf("%w: %d bytes", ErrRecordTooBig, len(record))
	}
	if !p.CanFit(len(record)) {
		return 0, ErrNoSpace
	}

	slotID, reuse := p.freeSlot()
	dirEnd := headerSize + int(p.NumSlots())*slotSize
	if !reuse {
		dirEnd += slotSize
	}

	if p.freeEnd()-dirEnd < len(record) {
		p.compact()
	}

	offset := p.freeEnd() - len(record)
	copy(p.data[offset:], record)
	p.setFreeEnd(offset)
	if !reuse {
		p.setNumSlots(slotID + 1)
	}
	p.setSlot(slotID, offset, len(record))
	return common.SlotNum(slotID), nil
}

func (p *SlottedPage) Delete(slotID common.SlotNum) error {
	if uint16(slotID) >= p.NumSlots() {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slotID)
	}
	if off, _ := p.slot(uint16(slotID)); off == 0 {
		return fmt.Errorf("%w: slot %d", ErrSlotDeleted, slotID)
	}

	p.setSlot(uint16(slotID), 0, 0)
	return nil
}

// Read returns the record stored in slotID. The slice aliases the page.
func (p *SlottedPage) Read(slotID common.SlotNum) ([]byte, error) {
	if uint16(slotID) >= p.NumSlots() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSlot, slotID)
	}

	off, l := p.slot(uint16(slotID))
	if off == 0 {
		return nil, fmt.Errorf("%w: slot %d", ErrSlotDeleted, slotID)
	}
	return p.data[off : off+l], nil
}

// Update overwrites the record in slotID. Records keep their length.
func (p *SlottedPage) Update(slotID common.SlotNum, record []byte) error {
	old, err := p.Read(slotID)
	if err != nil {
		return err
	}
	if len(old) != len(record) {
		return fmt.Errorf(
			"%w: slot %d holds %d bytes, got %d",
			ErrSizeMismatch,
			slotID,
			len(old),
			len(record),
		)
	}

	copy(old, record)
	return nil
}

// LiveSlots lists the slots holding a record, in slot order.
func (p *SlottedPage) LiveSlots() []common.SlotNum {
	n := p.NumSlots()
	res := make([]common.SlotNum, 0, n)
	for i := range n {
		if off, _ := p.slot(i); off != 0 {
			res = append(res, common.SlotNum(i))
		}
	}
	return res
}

func (p *SlottedPage) compact() {
	n := p.NumSlots()
	end := len(p.data)

	buf := make([]byte, len(p.data))
	for i := range n {
		off, l := p.slot(i)
		if off == 0 {
			continue
		}
		end -= l
		copy(buf[end:], p.data[off:off+l])
		p.setSlot(i, end, l)
	}

	dirEnd := headerSize + int(n)*slotSize
	copy(p.data[end:], buf[end:])
	clear(p.data[dirEnd:end])
	p.setFreeEnd(end)
}
