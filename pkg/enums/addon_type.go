package enums

import "fmt"

// AddonType identifies a purchasable provider add-on.
type AddonType string

const (
	AddonTypeLeadPack          AddonType = "lead_pack"
	AddonTypeVerificationBadge AddonType = "verification_badge"
	AddonTypeFeaturedZips      AddonType = "featured_zips"
)

var validAddonTypes = []AddonType{
	AddonTypeLeadPack,
	AddonTypeVerificationBadge,
	AddonTypeFeaturedZips,
}

// String implements fmt.Stringer.
func (a AddonType) String() string {
	return string(a)
}

// IsValid reports whether the value is a known AddonType.
func (a AddonType) IsValid() bool {
	for _, candidate := range validAddonTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// ParseAddonType converts raw input into an AddonType.
func ParseAddonType(value string) (AddonType, error) {
	for _, candidate := range validAddonTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid addon type %q", value)
}
