package mmapstore

import "errors"

// Sentinel errors returned (wrapped with fmt.Errorf("...: %w", ...)) by
// every layer of this store. Callers should match against these with
// errors.Is, never by comparing formatted strings.
var (
	ErrIO               = errors.New("chainkv: i/o error")
	ErrInvalidDirectory = errors.New("chainkv: invalid or non-writable directory")
	ErrWrongMagicNumber = errors.New("chainkv: wrong magic number")
	ErrDuplicatedKey    = errors.New("chainkv: duplicated key")
	ErrKeyNotFound      = errors.New("chainkv: key not found")
	ErrUnknown          = errors.New("chainkv: unknown error")
	ErrInvalidSettings  = errors.New("chainkv: invalid page_size/key_buffer_size")
)
