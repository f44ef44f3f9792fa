package domain

// Vendor identifies a device operating system family. The set is closed:
// every vendor carries a capability record describing how its running
// configuration is retrieved.
type Vendor string

const (
	VendorCiscoIOS  Vendor = "cisco_ios"
	VendorCiscoASA  Vendor = "cisco_asa"
	VendorCiscoNXOS Vendor = "cisco_nxos"
	VendorCiscoWLC  Vendor = "cisco_wlc"
	VendorMikroTik  Vendor = "mikrotik"
	VendorHuawei    Vendor = "huawei"
	VendorFortinet  Vendor = "fortinet"
	VendorJuniper   Vendor = "juniper"
	VendorArubaCX   Vendor = "aruba_aoscx"
	VendorAllied    Vendor = "allied_telesis"
)

// VendorSpec describes how to drive a vendor's CLI. Platform is the
// scrapligo platform name; empty means the generic driver is used.
type VendorSpec struct {
	Platform      string   // scrapligo platform, "" for generic driver
	ShowCommand   string   // command that prints the running configuration
	ProbeCommand  string   // harmless command used by connection tests
	DisablePaging []string // commands issued before the capture
	NeedsEnable   bool     // privileged mode required for the capture
}

var vendorSpecs = map[Vendor]VendorSpec{
	VendorCiscoIOS: {
		Platform:     "cisco_iosxe",
		ShowCommand:  "show running-config",
		ProbeCommand: "show version",
		NeedsEnable:  true,
	},
	VendorCiscoASA: {
		Platform:      "cisco_iosxe",
		ShowCommand:   "show running-config",
		ProbeCommand:  "show version",
		DisablePaging: []string{"terminal pager 0"},
		NeedsEnable:   true,
	},
	VendorCiscoNXOS: {
		Platform:     "cisco_nxos",
		ShowCommand:  "show running-config",
		ProbeCommand: "show version",
	},
	VendorCiscoWLC: {
		ShowCommand:   "show run-config commands",
		ProbeCommand:  "show sysinfo",
		DisablePaging: []string{"config paging disable"},
	},
	VendorMikroTik: {
		ShowCommand:  "/export verbose",
		ProbeCommand: "/system resource print",
	},
	VendorHuawei: {
		Platform:     "huawei_vrp",
		ShowCommand:  "display current-configuration",
		ProbeCommand: "display version",
	},
	VendorFortinet: {
		ShowCommand:  "show full-configuration",
		ProbeCommand: "get system status",
	},
	VendorJuniper: {
		Platform:     "juniper_junos",
		ShowCommand:  "show configuration | display set",
		ProbeCommand: "show version",
	},
	VendorArubaCX: {
		Platform:     "aruba_aoscx",
		ShowCommand:  "show running-config",
		ProbeCommand: "show version",
	},
	VendorAllied: {
		Platform:     "cisco_iosxe",
		ShowCommand:  "show running-config",
		ProbeCommand: "show version",
		NeedsEnable:  true,
	},
}

// Spec returns the capability record for v; ok is false for unknown vendors.
func (v Vendor) Spec() (VendorSpec, bool) {
	s, ok := vendorSpecs[v]
	return s, ok
}

// Valid reports whether v is a known vendor.
func (v Vendor) Valid() bool {
	_, ok := vendorSpecs[v]
	return ok
}

// Vendors lists every known vendor identifier.
func Vendors() []Vendor {
	out := make([]Vendor, 0, len(vendorSpecs))
	for v := range vendorSpecs {
		out = append(out, v)
	}
	return out
}
