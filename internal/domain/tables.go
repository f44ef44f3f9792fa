package domain

var Tables = []interface{}{
	// System
	&SysConfig{},
	&SysUser{},
	&SysAuditLog{},
	// Network
	&NetDevice{},
	// Backup
	&BackupSchedule{},
	&BackupJob{},
	&BackupEntry{},
}
