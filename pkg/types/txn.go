package types

// TxnStatus is the transaction coordinator state machine. TxnUnset is the
// true initial state: a transaction row may exist (name bound to a producer)
// without any work started against it. Completed transactions return to
// TxnUnset so the transactional name is reusable.
type TxnStatus int

const (
	TxnUnset TxnStatus = iota
	TxnBegin
	TxnPrepareCommit
	TxnPrepareAbort
)

func (s TxnStatus) String() string {
	switch s {
	case TxnUnset:
		return "UNSET"
	case TxnBegin:
		return "BEGIN"
	case TxnPrepareCommit:
		return "PREPARE_COMMIT"
	case TxnPrepareAbort:
		return "PREPARE_ABORT"
	default:
		return "UNKNOWN"
	}
}

// Open reports whether the transaction may still have pending writes that
// pin the stable watermark.
func (s TxnStatus) Open() bool {
	return s == TxnBegin || s == TxnPrepareCommit || s == TxnPrepareAbort
}
