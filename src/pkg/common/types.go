package common

import (
	"fmt"

	"github.com/google/uuid"
)

type FileID uint64

type PageID uint64

type LSN uint64

const NilLSN = LSN(0)

// PageIdentity addresses a page: FileID is the table the page belongs to and
// PageID its position inside the table's file.
type PageIdentity struct {
	FileID FileID
	PageID PageID
}

func (p PageIdentity) String() string {
	return fmt.Sprintf("%d:%d", p.FileID, p.PageID)
}

type TxnID uuid.UUID

var NilTxnID = TxnID(uuid.Nil)

func NewTxnID() TxnID {
	return TxnID(uuid.New())
}

func (t TxnID) IsNil() bool {
	return t == NilTxnID
}

func (t TxnID) String() string {
	if t.IsNil() {
		return "txn:nil"
	}
	return uuid.UUID(t).String()
}

func (t TxnID) MarshalBinary() ([]byte, error) {
	return uuid.UUID(t).MarshalBinary()
}

func (t *TxnID) UnmarshalBinary(data []byte) error {
	return (*uuid.UUID)(t).UnmarshalBinary(data)
}

type SlotNum uint16

type RecordID struct {
	PageIdentity
	SlotNum SlotNum
}

func (r RecordID) String() string {
	return fmt.Sprintf("%s#%d", r.PageIdentity, r.SlotNum)
}
