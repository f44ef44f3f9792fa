package domain

import (
	"time"
)

type SysConfig struct {
	ID        int64     `json:"id,string" form:"id"`
	Sort      int       `json:"sort" form:"sort"`
	Type      string    `gorm:"index" json:"type" form:"type"`
	Name      string    `gorm:"index" json:"name" form:"name"`
	Value     string    `json:"value" form:"value"`
	Remark    string    `json:"remark" form:"remark"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (SysConfig) TableName() string {
	return "sys_config"
}

// SysUser console account, role is admin or viewer
type SysUser struct {
	ID        int64     `json:"id,string" form:"id"`
	Username  string    `gorm:"uniqueIndex" json:"username" form:"username"`
	Password  string    `json:"-" form:"-"`
	Role      string    `json:"role" form:"role"`
	Status    string    `json:"status" form:"status"`
	Remark    string    `json:"remark" form:"remark"`
	LastLogin time.Time `json:"last_login" form:"last_login"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (SysUser) TableName() string {
	return "sys_user"
}

const (
	RoleAdmin  = "admin"
	RoleViewer = "viewer"
)

// SysAuditLog append-only record of every state-changing action.
// Rows are never updated or deleted.
type SysAuditLog struct {
	ID        int64     `json:"id,string"`
	Timestamp time.Time `gorm:"index" json:"timestamp"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Result    string    `json:"result"`
}

// TableName Specify table name
func (SysAuditLog) TableName() string {
	return "sys_audit_log"
}
