// Package domain defines the devices, ledger records and energy-balance types shared by the
// sync service components, together with the repository ports they persist through.
package domain

import (
	"sort"
	"strings"
	"time"
)

// DeviceType enumerates the supported health platforms and vendors.
type DeviceType string

const (
	DeviceTypeAppleHealth   DeviceType = "APPLE_HEALTH"
	DeviceTypeGoogleFit     DeviceType = "GOOGLE_FIT"
	DeviceTypeFitbit        DeviceType = "FITBIT"
	DeviceTypeGarmin        DeviceType = "GARMIN"
	DeviceTypeWhoop         DeviceType = "WHOOP"
	DeviceTypeSamsungHealth DeviceType = "SAMSUNG_HEALTH"
	DeviceTypePolar         DeviceType = "POLAR"
	DeviceTypeSuunto        DeviceType = "SUUNTO"
	DeviceTypeWithings      DeviceType = "WITHINGS"
	DeviceTypeOura          DeviceType = "OURA"
	DeviceTypeAmazfit       DeviceType = "AMAZFIT"
	DeviceTypeHuaweiHealth  DeviceType = "HUAWEI_HEALTH"
)

var supportedDeviceTypes = map[DeviceType]struct{}{
	DeviceTypeAppleHealth:   {},
	DeviceTypeGoogleFit:     {},
	DeviceTypeFitbit:        {},
	DeviceTypeGarmin:        {},
	DeviceTypeWhoop:         {},
	DeviceTypeSamsungHealth: {},
	DeviceTypePolar:         {},
	DeviceTypeSuunto:        {},
	DeviceTypeWithings:      {},
	DeviceTypeOura:          {},
	DeviceTypeAmazfit:       {},
	DeviceTypeHuaweiHealth:  {},
}

// ParseDeviceType validates raw against the supported vendor set.
func ParseDeviceType(raw string) (DeviceType, error) {
	t := DeviceType(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := supportedDeviceTypes[t]; !ok {
		return "", &ValidationError{Field: "deviceType", Reason: "unsupported device type " + quote(raw)}
	}
	return t, nil
}

// SupportedDeviceTypes lists the enumeration in a stable order.
func SupportedDeviceTypes() []DeviceType {
	out := make([]DeviceType, 0, len(supportedDeviceTypes))
	for t := range supportedDeviceTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PushOnly reports whether the platform has no server-side API and only receives data pushed
// by the on-device agent.
func (t DeviceType) PushOnly() bool {
	return t == DeviceTypeAppleHealth || t == DeviceTypeSamsungHealth
}

// DeviceStatus is the connection state of a device.
type DeviceStatus string

const (
	DeviceStatusConnected    DeviceStatus = "CONNECTED"
	DeviceStatusDisconnected DeviceStatus = "DISCONNECTED"
	DeviceStatusError        DeviceStatus = "ERROR"
	DeviceStatusSyncing      DeviceStatus = "SYNCING"
)

// Device is a vendor connection owned by a user. At most one exists per (OwnerID, Type).
type Device struct {
	ID                 string
	OwnerID            string
	Type               DeviceType
	Name               string
	Status             DeviceStatus
	LastSyncAt         *time.Time
	IsPrimary          bool
	SealedAccessToken  string
	SealedRefreshToken string
	TokenExpiresAt     *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Connected reports whether the device is in the CONNECTED state.
func (d Device) Connected() bool {
	return d.Status == DeviceStatusConnected
}

// Tokens holds decoded vendor credentials.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Empty reports whether no credential material is present.
func (t Tokens) Empty() bool {
	return t.AccessToken == "" && t.RefreshToken == ""
}

func quote(s string) string {
	return "\"" + s + "\""
}
