package recovery

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/Blackdeer1524/StorageCore/src/pkg/common"
)

/*
Log file
────────────────────────────────────
| Record | Record | Record | ...   |
────────────────────────────────────

Each record:
──────────────────────────────────────────────────
| LSN (8) | LEN (4) | CHECKSUM (8) | DATA (LEN)   |
──────────────────────────────────────────────────

DATA of an update record:
| type (1) | txnID (16) | fileID (8) | pageID (8) | beforeLen (4) | before | after |

CHECKSUM is xxhash64 of DATA.
*/

const (
	recordHeaderSize = 8 + 4 + 8
	updateFixedSize  = 1 + 16 + 8 + 8 + 4
)

type LogRecordTypeTag byte

const (
	TypeUpdate LogRecordTypeTag = iota + 1
)

func (t LogRecordTypeTag) String() string {
	switch t {
	case TypeUpdate:
		return "UPDATE"
	default:
		return fmt.Sprintf("LogRecordTypeTag(%d)", byte(t))
	}
}

var (
	ErrCorruptedRecord = errors.New("corrupted log record")
	errShortRecord     = errors.New("short log record")
)

// UpdateLogRecord carries the undo (Before) and redo (After) images of a page.
type UpdateLogRecord struct {
	LSN       common.LSN
	TxnID     common.TxnID
	PageIdent common.PageIdentity
	Before    []byte
	After     []byte
}

func (r *UpdateLogRecord) String() string {
	return fmt.Sprintf(
		"UPDATE{lsn: %d, txn: %s, page: %s, before: %d bytes, after: %d bytes}",
		r.LSN,
		r.TxnID,
		r.PageIdent,
		len(r.Before),
		len(r.After),
	)
}

func (r *UpdateLogRecord) appendBinary(dst []byte) []byte {
	dataLen := updateFixedSize + len(r.Before) + len(r.After)

	start := len(dst)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(r.LSN))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(dataLen)) //nolint:gosec
	dst = binary.LittleEndian.AppendUint64(dst, 0)               // checksum placeholder

	dataStart := len(dst)
	dst = append(dst, byte(TypeUpdate))
	dst = append(dst, r.TxnID[:]...)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(r.PageIdent.FileID))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(r.PageIdent.PageID))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Before))) //nolint:gosec
	dst = append(dst, r.Before...)
	dst = append(dst, r.After...)

	binary.LittleEndian.PutUint64(dst[start+12:start+20], xxhash.Sum64(dst[dataStart:]))
	return dst
}

// decodeRecord parses the record at the beginning of buf and returns it
// together with its encoded size.
func decodeRecord(buf []byte) (UpdateLogRecord, int, error) {
	if len(buf) < recordHeaderSize {
		return UpdateLogRecord{}, 0, errShortRecord
	}

	lsn := common.LSN(binary.LittleEndian.Uint64(buf[0:8]))
	dataLen := int(binary.LittleEndian.Uint32(buf[8:12]))
	checksum := binary.LittleEndian.Uint64(buf[12:20])

	if len(buf) < recordHeaderSize+dataLen {
		return UpdateLogRecord{}, 0, errShortRecord
	}

	data := buf[recordHeaderSize : recordHeaderSize+dataLen]
	if xxhash.Sum64(data) != checksum {
		return UpdateLogRecord{}, 0, fmt.Errorf("%w: checksum mismatch at lsn %d", ErrCorruptedRecord, lsn)
	}
	if dataLen < updateFixedSize {
		return UpdateLogRecord{}, 0, fmt.Errorf("%w: lsn %d is too short", ErrCorruptedRecord, lsn)
	}

	if tag := LogRecordTypeTag(data[0]); tag != TypeUpdate {
		return UpdateLogRecord{}, 0, fmt.Errorf("%w: unknown type %s", ErrCorruptedRecord, tag)
	}

	r := UpdateLogRecord{LSN: lsn}
	copy(r.TxnID[:], data[1:17])
	r.PageIdent.FileID = common.FileID(binary.LittleEndian.Uint64(data[17:25]))
	r.PageIdent.PageID = common.PageID(binary.LittleEndian.Uint64(data[25:33]))

	beforeLen := int(binary.LittleEndian.Uint32(data[33:37]))
	images := data[updateFixedSize:]
	if beforeLen > len(images) {
		return UpdateLogRecord{}, 0, fmt.Errorf("%w: lsn %d has a bad image length", ErrCorruptedRecord, lsn)
	}

	r.Before = append([]byte(nil), images[:beforeLen]...)
	r.After = append([]byte(nil), images[beforeLen:]...)
	return r, recordHeaderSize + dataLen, nil
}
