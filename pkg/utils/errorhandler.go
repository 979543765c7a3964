package utils

import (
	"fmt"
	"runtime"
	"path/filepath"
)

// WrapError annotates err with the file and line of the caller so that log
// records point at the failing protocol step.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	_, file, line, _ := runtime.Caller(1)
	return fmt.Errorf("error at %s:%d: %w", filepath.Base(file), line, err)
}
