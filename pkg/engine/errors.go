package engine

import (
	"errors"
	"strings"
)

var (
	ErrUnsupportedInput = errors.New("unsupported input")
	ErrRenderFailure    = errors.New("render failed")
	ErrProfileNotFound  = errors.New("profile not found")
	ErrPersist          = errors.New("failed to persist result")
)

var rawExtensions = map[string]bool{
	"cr2": true, "cr3": true, "crw": true, "nef": true, "nrw": true,
	"arw": true, "srf": true, "sr2": true, "dng": true, "raf": true,
	"orf": true, "rw2": true, "pef": true, "srw": true, "3fr": true,
	"iiq": true, "x3f": true, "kdc": true, "mrw": true, "mos": true,
}

// IsRawExtension reports whether ext (with or without the dot) names a
// camera raw format.
func IsRawExtension(ext string) bool {
	return rawExtensions[strings.ToLower(strings.TrimPrefix(ext, "."))]
}
