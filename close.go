package taxgo

// Close releases the database's resources, notably the memory mapping
// when the database was opened with Open. Close is idempotent; after
// it returns, all other operations fail with ErrClosed.
func (t *Taxgo) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.db.Close()
}
