package models

import (
	"errors"
	"fmt"
	"strings"
)

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////// FIELD ROLES /////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// ErrUnknownFieldRole is returned when a field-mapping table names a role that
// is not part of the canonical set.
var ErrUnknownFieldRole = errors.New("unknown field role")

// ErrUnrecognizedField is returned when a mapping resolves a key to a role the
// consuming normalizer does not handle.
var ErrUnrecognizedField = errors.New("unrecognized field")

// FieldRole is the canonical meaning of an exchange-native message field.
type FieldRole uint8

const (
	RoleUnknown FieldRole = iota
	RoleTimestamp
	RoleBids
	RoleAsks
	RoleTradeSide
	RoleTradeID
	RoleTradePrice
	RoleTradeVolume
)

var roleNames = map[FieldRole]string{
	RoleTimestamp:   "TIMESTAMP",
	RoleBids:        "BIDS",
	RoleAsks:        "ASKS",
	RoleTradeSide:   "TRADE_SIDE",
	RoleTradeID:     "TRADE_ID",
	RoleTradePrice:  "TRADE_PRICE",
	RoleTradeVolume: "TRADE_VOLUME",
}

func (r FieldRole) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("FieldRole(%d)", uint8(r))
}

// ParseFieldRole resolves a role name as written in configuration.
func ParseFieldRole(name string) (FieldRole, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for role, n := range roleNames {
		if n == want {
			return role, nil
		}
	}
	return RoleUnknown, fmt.Errorf("%w: %q", ErrUnknownFieldRole, name)
}

// UnmarshalYAML lets mapping tables be written with role names.
func (r *FieldRole) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var name string
	if err := unmarshal(&name); err != nil {
		return err
	}
	role, err := ParseFieldRole(name)
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// MarshalYAML writes the role name back out.
func (r FieldRole) MarshalYAML() (interface{}, error) {
	return r.String(), nil
}

// FieldMap translates exchange-native keys to canonical roles.
type FieldMap map[string]FieldRole

// Lookup resolves a raw key. Keys that are not mapped report false and are
// skipped by the normalizers.
func (m FieldMap) Lookup(key string) (FieldRole, bool) {
	role, ok := m[key]
	return role, ok
}

func (m FieldMap) validate(allowed ...FieldRole) error {
	for key, role := range m {
		if _, known := roleNames[role]; !known {
			return fmt.Errorf("%w: key %q maps to %s", ErrUnknownFieldRole, key, role)
		}
		ok := false
		for _, a := range allowed {
			if role == a {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%w: key %q maps to %s", ErrUnrecognizedField, key, role)
		}
	}
	return nil
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////// INSTRUMENT //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// Instrument is the static description of one exchange/instrument pair. It is
// read-only for the lifetime of a gateway.
type Instrument struct {
	Exchange           string   `yaml:"exchange"`
	InstmtName         string   `yaml:"instmt_name"`
	InstmtCode         string   `yaml:"instmt_code"`
	Link               string   `yaml:"link"`
	Topics             []string `yaml:"topics"`
	OrderBookFieldsMap FieldMap `yaml:"order_book_fields_mapping"`
	TradesFieldsMap    FieldMap `yaml:"trades_fields_mapping"`
}

// Validate checks identity fields and that each mapping only declares roles
// its normalizer understands.
func (i Instrument) Validate() error {
	if i.Exchange == "" {
		return fmt.Errorf("instrument exchange is required")
	}
	if i.InstmtCode == "" {
		return fmt.Errorf("instrument %s: instmt_code is required", i.Exchange)
	}
	if i.InstmtName == "" {
		return fmt.Errorf("instrument %s/%s: instmt_name is required", i.Exchange, i.InstmtCode)
	}
	if i.Link == "" {
		return fmt.Errorf("instrument %s/%s: link is required", i.Exchange, i.InstmtCode)
	}
	if err := i.OrderBookFieldsMap.validate(RoleTimestamp, RoleBids, RoleAsks); err != nil {
		return fmt.Errorf("instrument %s/%s order_book_fields_mapping: %w", i.Exchange, i.InstmtCode, err)
	}
	if err := i.TradesFieldsMap.validate(RoleTimestamp, RoleTradeSide, RoleTradeID, RoleTradePrice, RoleTradeVolume); err != nil {
		return fmt.Errorf("instrument %s/%s trades_fields_mapping: %w", i.Exchange, i.InstmtCode, err)
	}
	return nil
}

// String identifies the instrument in logs.
func (i Instrument) String() string {
	return i.Exchange + ":" + i.InstmtCode
}
