// Package settings stores typed per-user preferences in the ledger's
// key/value table.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Store is the subset of ledger queries settings need.
type Store interface {
	GetSetting(ctx context.Context, userID uuid.UUID, key string) (string, bool, error)
	PutSetting(ctx context.Context, userID uuid.UUID, key, value string) error
}

var (
	// ErrUnknownKey is returned by Lookup for names no Key was declared for.
	ErrUnknownKey = errors.New("unknown setting")
	// ErrInvalidValue wraps conversion failures of raw values.
	ErrInvalidValue = errors.New("invalid setting value")
)

// Key is a typed setting. Values are stored as strings and converted on the
// way in and out.
type Key[T any] struct {
	Name    string
	Default T
	parse   func(string) (T, error)
	format  func(T) string
}

// Get returns the stored value, or Default with ok=false when the user never
// set one.
func (k Key[T]) Get(ctx context.Context, s Store, userID uuid.UUID) (T, bool, error) {
	raw, ok, err := s.GetSetting(ctx, userID, k.Name)
	if err != nil {
		return k.Default, false, fmt.Errorf("get setting %s: %w", k.Name, err)
	}
	if !ok {
		return k.Default, false, nil
	}
	v, err := k.parse(raw)
	if err != nil {
		return k.Default, false, fmt.Errorf("%w for %s: stored %q: %v", ErrInvalidValue, k.Name, raw, err)
	}
	return v, true, nil
}

// Value is Get without the presence flag.
func (k Key[T]) Value(ctx context.Context, s Store, userID uuid.UUID) (T, error) {
	v, _, err := k.Get(ctx, s, userID)
	return v, err
}

// Set stores v for the user.
func (k Key[T]) Set(ctx context.Context, s Store, userID uuid.UUID, v T) error {
	if err := s.PutSetting(ctx, userID, k.Name, k.format(v)); err != nil {
		return fmt.Errorf("put setting %s: %w", k.Name, err)
	}
	return nil
}

// SetString parses raw with the key's converter before storing it, so a bad
// value never reaches the table.
func (k Key[T]) SetString(ctx context.Context, s Store, userID uuid.UUID, raw string) error {
	v, err := k.parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidValue, k.Name, err)
	}
	return k.Set(ctx, s, userID, v)
}

// GetString returns the formatted value, for untyped callers such as HTTP.
func (k Key[T]) GetString(ctx context.Context, s Store, userID uuid.UUID) (string, error) {
	v, _, err := k.Get(ctx, s, userID)
	if err != nil {
		return "", err
	}
	return k.format(v), nil
}

// StringKey declares a string setting. Empty values are rejected.
func StringKey(name, def string) Key[string] {
	return Key[string]{
		Name:    name,
		Default: def,
		parse: func(s string) (string, error) {
			if s == "" {
				return "", errors.New("value must not be empty")
			}
			return s, nil
		},
		format: func(s string) string { return s },
	}
}

// BoolKey declares a boolean setting.
func BoolKey(name string, def bool) Key[bool] {
	return Key[bool]{
		Name:    name,
		Default: def,
		parse:   strconv.ParseBool,
		format:  strconv.FormatBool,
	}
}

var (
	DefaultCurrency   = StringKey("default_currency", "RUB")
	DefaultDateFormat = StringKey("default_date_format", "DD.MM.YYYY")
	AutoCategorize    = BoolKey("auto_categorize", true)
)

// Untyped is the string view of a Key used by Lookup.
type Untyped interface {
	GetString(ctx context.Context, s Store, userID uuid.UUID) (string, error)
	SetString(ctx context.Context, s Store, userID uuid.UUID, raw string) error
}

var known = map[string]Untyped{
	DefaultCurrency.Name:   DefaultCurrency,
	DefaultDateFormat.Name: DefaultDateFormat,
	AutoCategorize.Name:    AutoCategorize,
}

// Lookup resolves a setting by name.
func Lookup(name string) (Untyped, error) {
	k, ok := known[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKey, name)
	}
	return k, nil
}
