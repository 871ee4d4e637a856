package types

// Cursor is the client-held id of the last fully consumed block. A nil cursor
// or one holding the zero id is the genesis sentinel.
type Cursor = *BlockID

// GenesisCursor returns the sentinel that starts a stream before the first block
func GenesisCursor() Cursor {
	return nil
}

// IsGenesis reports whether c is the genesis sentinel
func IsGenesis(c Cursor) bool {
	return c == nil || c.IsZero()
}

// CursorOf returns a cursor pointing at id
func CursorOf(id BlockID) Cursor {
	return &id
}

// CursorNumber returns the number the cursor points at and whether it is set.
func CursorNumber(c Cursor) (uint64, bool) {
	if IsGenesis(c) {
		return 0, false
	}
	return c.Number, true
}

// CursorString renders the cursor for logs
func CursorString(c Cursor) string {
	if IsGenesis(c) {
		return "genesis"
	}
	return c.String()
}

// SameCursor compares two cursors, treating all genesis forms as equal
func SameCursor(a, b Cursor) bool {
	if IsGenesis(a) || IsGenesis(b) {
		return IsGenesis(a) && IsGenesis(b)
	}
	return a.Equal(*b)
}
