package repository

import "errors"

var (
	// ErrNotEditable is returned when a payload update targets a record that
	// already reached the remote (or does not exist).
	ErrNotEditable = errors.New("record is not editable")
)
