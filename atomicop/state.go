package atomicop

import (
	"fmt"

	"github.com/Giulio2002/ehdb/pagestore"
)

// State is the lifecycle state of an operation.
type State int32

const (
	Active State = iota
	Committing
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committing:
		return "committing"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ChangeKind classifies a recorded change.
type ChangeKind uint8

const (
	ChangePage ChangeKind = iota + 1
	ChangeNewPage
	ChangeCreateFile
	ChangeDropFile
)

func (k ChangeKind) String() string {
	switch k {
	case ChangePage:
		return "page"
	case ChangeNewPage:
		return "new-page"
	case ChangeCreateFile:
		return "create-file"
	case ChangeDropFile:
		return "drop-file"
	}
	return fmt.Sprintf("change(%d)", uint8(k))
}

// Change is one entry of an operation's change list, in the order the
// operation made them.
type Change struct {
	Kind ChangeKind
	Page pagestore.PageID // ChangePage, ChangeNewPage
	File uint32
	Name string // ChangeCreateFile
}

// Stats reports manager counters.
type Stats struct {
	Active     int64
	Committed  uint64
	RolledBack uint64
	Retries    uint64
	LockWaits  uint64
}
