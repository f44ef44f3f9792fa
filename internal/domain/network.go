package domain

import (
	"strings"
	"time"
)

// Network module related models

const (
	ProtocolSSH    = "ssh"
	ProtocolTelnet = "telnet"
)

// NetDevice a managed network device. Login credentials and the optional
// enable secret are stored as sealed blobs and never serialized to clients.
type NetDevice struct {
	ID          int64     `json:"id,string" form:"id"`               // Primary key ID
	Hostname    string    `gorm:"index" json:"hostname" form:"hostname"` // Device name
	Ipaddr      string    `gorm:"index" json:"ipaddr" form:"ipaddr"` // Device IP
	Vendor      Vendor    `json:"vendor" form:"vendor"`              // Device vendor
	Protocol    string    `json:"protocol" form:"protocol"`          // ssh | telnet
	Port        int       `json:"port" form:"port"`                  // Session port
	UsernameEnc string    `json:"-"`                                 // Sealed login username
	PasswordEnc string    `json:"-"`                                 // Sealed login password
	SecretEnc   string    `json:"-"`                                 // Sealed enable secret, optional
	Tags        string    `json:"tags" form:"tags"`                  // Comma-separated tags
	Status      string    `json:"status" form:"status"`              // enabled | disabled
	Remark      string    `json:"remark" form:"remark"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName Specify table name
func (NetDevice) TableName() string {
	return "net_device"
}

// TagList splits the comma-separated tag field, dropping empty entries.
func (d NetDevice) TagList() []string {
	var out []string
	for _, t := range strings.Split(d.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// HasAnyTag reports whether the device carries at least one of the given tags.
func (d NetDevice) HasAnyTag(tags []string) bool {
	for _, dt := range d.TagList() {
		for _, t := range tags {
			if strings.EqualFold(dt, t) {
				return true
			}
		}
	}
	return false
}
