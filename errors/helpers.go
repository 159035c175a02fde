package errors

// WrapOpComponent provides a convenience helper to wrap errors with consistent
// Op and Component propagation. If err is nil, returns nil.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	return NewWithComponent(op, component, err)
}

// WithMetadata attaches contextual metadata to a SyncError and returns it.
// Non-SyncError values are returned unchanged.
func WithMetadata(err error, key string, value interface{}) error {
	se, ok := err.(*SyncError)
	if !ok {
		return err
	}
	if se.Metadata == nil {
		se.Metadata = make(map[string]interface{})
	}
	se.Metadata[key] = value
	return se
}
