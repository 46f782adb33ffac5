// Package room resolves room identifiers from shareable addresses.
package room

import (
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const (
	ToolParam = "tool"
	ToolName  = "clipboard"
	RoomParam = "room"
)

// AddressBar is the visible address of the hosting environment. Replace may
// be refused (sandboxed hosts); the resolver treats that as non-fatal.
type AddressBar interface {
	Replace(address string) error
}

// Resolution is the outcome of Resolve or Regenerate.
type Resolution struct {
	ID      ID
	Address string
	// Minted reports that ID was generated rather than read from the address.
	Minted bool
}

type Resolver struct {
	bar    AddressBar
	logger *zap.Logger
	newID  func() ID
}

type Option func(*Resolver)

func WithAddressBar(bar AddressBar) Option {
	return func(r *Resolver) { r.bar = bar }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithIDSource replaces the random generator, for tests.
func WithIDSource(fn func() ID) Option {
	return func(r *Resolver) { r.newID = fn }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		logger: zap.NewNop(),
		newID:  NewID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve reuses a well-formed room parameter from current or mints a new
// identifier. It always succeeds.
func (r *Resolver) Resolve(current string) Resolution {
	u, ok := parseAddress(current)
	if !ok {
		r.logger.Debug("address not parseable, using fresh room", zap.String("address", current))
		return Resolution{ID: r.newID(), Address: current, Minted: true}
	}

	if id, err := ParseID(firstParam(u.RawQuery, RoomParam)); err == nil {
		address := current
		if firstParam(u.RawQuery, ToolParam) != ToolName {
			u.RawQuery = setParam(u.RawQuery, ToolParam, ToolName)
			address = u.String()
			r.replaceAddress(address)
		}
		return Resolution{ID: id, Address: address}
	}

	id := r.newID()
	u.RawQuery = setParam(setParam(u.RawQuery, ToolParam, ToolName), RoomParam, string(id))
	address := u.String()
	r.replaceAddress(address)
	return Resolution{ID: id, Address: address, Minted: true}
}

// Regenerate mints a fresh identifier regardless of current. The caller
// must leave its session and join the returned room; rooms are never
// migrated in place.
func (r *Resolver) Regenerate(current string) Resolution {
	id := r.newID()
	u, ok := parseAddress(current)
	if !ok {
		return Resolution{ID: id, Address: current, Minted: true}
	}
	u.RawQuery = setParam(setParam(u.RawQuery, ToolParam, ToolName), RoomParam, string(id))
	address := u.String()
	r.replaceAddress(address)
	return Resolution{ID: id, Address: address, Minted: true}
}

func (r *Resolver) replaceAddress(address string) {
	if r.bar == nil {
		return
	}
	if err := r.bar.Replace(address); err != nil {
		r.logger.Warn("could not update visible address", zap.String("address", address), zap.Error(err))
	}
}

// Structured, absolute, non-opaque addresses only
func parseAddress(s string) (*url.URL, bool) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, false
	}
	if u.Scheme == "" || u.Opaque != "" || u.Host == "" {
		return nil, false
	}
	return u, true
}

func firstParam(rawQuery, key string) string {
	for _, part := range strings.Split(rawQuery, "&") {
		k, v, _ := strings.Cut(part, "=")
		if unescape(k) == key {
			return unescape(v)
		}
	}
	return ""
}

// setParam sets key to value in place of its first occurrence, drops later
// duplicates, and appends it when missing. Other pairs keep their order and
// their original encoding.
func setParam(rawQuery, key, value string) string {
	pair := url.QueryEscape(key) + "=" + url.QueryEscape(value)
	var out []string
	found := false
	if rawQuery != "" {
		for _, part := range strings.Split(rawQuery, "&") {
			k, _, _ := strings.Cut(part, "=")
			if unescape(k) != key {
				out = append(out, part)
				continue
			}
			if !found {
				out = append(out, pair)
				found = true
			}
		}
	}
	if !found {
		out = append(out, pair)
	}
	return strings.Join(out, "&")
}

func unescape(s string) string {
	v, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return v
}
