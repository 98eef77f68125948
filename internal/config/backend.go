package config

// ConfigBackend is the persistent layer beneath environment overrides.
// Values are addressed by their dotted key, e.g. "poll.interval".
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	// Delete removes key. Removing an absent key is not an error.
	Delete(key string) error
	// Location names where values are kept, for display.
	Location() string
}
