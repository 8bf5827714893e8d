package config

// Backend is the platform store for persisted config keys. Values are kept
// as text; the key table owns parsing, so every platform accepts the same
// values. UserDefaults on macOS, a JSON file elsewhere.
type Backend interface {
	Get(key string) (val string, ok bool, err error)
	Set(key, val string) error
	Delete(key string) error
}
