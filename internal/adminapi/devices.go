package adminapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/confkeeper/confkeeper/internal/audit"
	"github.com/confkeeper/confkeeper/internal/connector"
	"github.com/confkeeper/confkeeper/internal/domain"
	"github.com/confkeeper/confkeeper/internal/webserver"
	"github.com/confkeeper/confkeeper/pkg/common"
)

func registerDeviceRoutes() {
	webserver.ApiGET("/devices", listDevices)
	webserver.ApiGET("/devices/:id", getDevice)
	webserver.ApiPOST("/devices", createDevice)
	webserver.ApiPUT("/devices/:id", updateDevice)
	webserver.ApiDELETE("/devices/:id", deleteDevice)
	webserver.ApiPOST("/devices/:id/test", testDevice)
	webserver.ApiGET("/devices/tags/available", listDeviceTags)
	webserver.ApiGET("/devices/vendors/available", listVendors)
}

func listDevices(c echo.Context) error {
	page, pageSize := parsePagination(c)

	base := GetDB(c).Model(&domain.NetDevice{})
	if keyword := strings.TrimSpace(c.QueryParam("keyword")); keyword != "" {
		kw := "%" + keyword + "%"
		base = base.Where("hostname LIKE ? OR ipaddr LIKE ?", kw, kw)
	}
	if tag := strings.TrimSpace(c.QueryParam("tag")); tag != "" {
		base = base.Where("tags LIKE ?", "%"+tag+"%")
	}
	if status := c.QueryParam("status"); status != "" {
		base = base.Where("status = ?", status)
	}

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query devices", err.Error())
	}

	var devices []domain.NetDevice
	if err := base.Order("hostname ASC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&devices).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query devices", err.Error())
	}
	return paged(c, devices, total, page, pageSize)
}

func getDevice(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	var device domain.NetDevice
	if err := GetDB(c).Where("id = ?", id).First(&device).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Device not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query device", err.Error())
	}
	return ok(c, device)
}

// devicePayload carries create/update input. Credential fields are write-only:
// on update an empty field leaves the stored secret unchanged.
type devicePayload struct {
	Hostname string `json:"hostname" validate:"required"`
	Ipaddr   string `json:"ipaddr" validate:"required"`
	Vendor   string `json:"vendor" validate:"required"`
	Protocol string `json:"protocol"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	Secret   string `json:"secret"`
	Tags     string `json:"tags"`
	Status   string `json:"status"`
	Remark   string `json:"remark"`
}

func (p *devicePayload) normalize() error {
	p.Hostname = strings.TrimSpace(p.Hostname)
	p.Ipaddr = strings.TrimSpace(p.Ipaddr)
	if p.Protocol == "" {
		p.Protocol = domain.ProtocolSSH
	}
	if p.Protocol != domain.ProtocolSSH && p.Protocol != domain.ProtocolTelnet {
		return errors.New("protocol must be ssh or telnet")
	}
	if p.Port == 0 {
		if p.Protocol == domain.ProtocolTelnet {
			p.Port = 23
		} else {
			p.Port = 22
		}
	}
	if p.Port < 1 || p.Port > 65535 {
		return errors.New("port out of range")
	}
	if !domain.Vendor(p.Vendor).Valid() {
		return errors.New("unknown vendor " + p.Vendor)
	}
	if p.Status == "" {
		p.Status = common.ENABLED
	}
	if p.Status != common.ENABLED && p.Status != common.DISABLED {
		return errors.New("status must be enabled or disabled")
	}
	return nil
}

func createDevice(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	var payload devicePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse device parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	if err := payload.normalize(); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_DEVICE", err.Error(), nil)
	}
	if payload.Username == "" || payload.Password == "" {
		return fail(c, http.StatusBadRequest, "MISSING_CREDENTIALS", "Username and password are required", nil)
	}

	var dup domain.NetDevice
	if err := GetDB(c).Where("ipaddr = ?", payload.Ipaddr).First(&dup).Error; err == nil {
		return fail(c, http.StatusConflict, "DUPLICATE_DEVICE", "Device with this address already exists", nil)
	}

	vault := GetAppContext(c).Vault()
	device := domain.NetDevice{
		ID:          common.UUIDint64(),
		Hostname:    payload.Hostname,
		Ipaddr:      payload.Ipaddr,
		Vendor:      domain.Vendor(payload.Vendor),
		Protocol:    payload.Protocol,
		Port:        payload.Port,
		UsernameEnc: vault.Seal(payload.Username),
		PasswordEnc: vault.Seal(payload.Password),
		Tags:        payload.Tags,
		Status:      payload.Status,
		Remark:      payload.Remark,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if payload.Secret != "" {
		device.SecretEnc = vault.Seal(payload.Secret)
	}
	if err := GetDB(c).Create(&device).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create device", err.Error())
	}
	GetAppContext(c).Audit().Record(currentUsername(c), "device_create", device.Hostname, audit.ResultSuccess)
	return ok(c, device)
}

func updateDevice(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	var payload devicePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse device parameters", nil)
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}
	if err := payload.normalize(); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_DEVICE", err.Error(), nil)
	}

	var device domain.NetDevice
	if err := GetDB(c).Where("id = ?", id).First(&device).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Device not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query device", err.Error())
	}

	vault := GetAppContext(c).Vault()
	updates := map[string]interface{}{
		"hostname":   payload.Hostname,
		"ipaddr":     payload.Ipaddr,
		"vendor":     payload.Vendor,
		"protocol":   payload.Protocol,
		"port":       payload.Port,
		"tags":       payload.Tags,
		"status":     payload.Status,
		"remark":     payload.Remark,
		"updated_at": time.Now(),
	}
	// empty credential fields keep the stored secrets
	if payload.Username != "" {
		updates["username_enc"] = vault.Seal(payload.Username)
	}
	if payload.Password != "" {
		updates["password_enc"] = vault.Seal(payload.Password)
	}
	if payload.Secret != "" {
		updates["secret_enc"] = vault.Seal(payload.Secret)
	}
	if err := GetDB(c).Model(&domain.NetDevice{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update device", err.Error())
	}
	GetAppContext(c).Audit().Record(currentUsername(c), "device_update", device.Hostname, audit.ResultSuccess)

	if err := GetDB(c).Where("id = ?", id).First(&device).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to reload device", err.Error())
	}
	return ok(c, device)
}

func deleteDevice(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	var device domain.NetDevice
	if err := GetDB(c).Where("id = ?", id).First(&device).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Device not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query device", err.Error())
	}
	if err := GetDB(c).Delete(&domain.NetDevice{}, id).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete device", err.Error())
	}
	GetAppContext(c).Audit().Record(currentUsername(c), "device_delete", device.Hostname, audit.ResultSuccess)
	return ok(c, nil)
}

// testDevice opens a session and runs the vendor probe command without
// touching device state. Useful to verify credentials after onboarding.
func testDevice(c echo.Context) error {
	if err := requireAdmin(c); err != nil {
		return err
	}
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid device ID", nil)
	}
	var device domain.NetDevice
	if err := GetDB(c).Where("id = ?", id).First(&device).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "DEVICE_NOT_FOUND", "Device not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query device", err.Error())
	}

	appCtx := GetAppContext(c)
	vault := appCtx.Vault()
	username, err := vault.Open(device.UsernameEnc)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "VAULT_ERROR", "Failed to open device credentials", err.Error())
	}
	password, err := vault.Open(device.PasswordEnc)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "VAULT_ERROR", "Failed to open device credentials", err.Error())
	}
	target := connector.Target{
		Host:     device.Ipaddr,
		Port:     device.Port,
		Protocol: device.Protocol,
		Vendor:   device.Vendor,
		Username: username,
		Password: password,
	}
	if device.SecretEnc != "" {
		secret, err := vault.Open(device.SecretEnc)
		if err != nil {
			return fail(c, http.StatusInternalServerError, "VAULT_ERROR", "Failed to open device credentials", err.Error())
		}
		target.EnableSecret = secret
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 60*time.Second)
	defer cancel()
	start := time.Now()
	message, err := appCtx.Connector().TestConnection(ctx, target)
	if err != nil {
		cerr := connector.Classify(device.Ipaddr, err)
		appCtx.Audit().Record(currentUsername(c), "device_test", device.Hostname, audit.ResultFailed)
		return ok(c, map[string]interface{}{
			"success":  false,
			"error":    cerr.Kind.String(),
			"message":  cerr.Error(),
			"duration": time.Since(start).Milliseconds(),
		})
	}
	appCtx.Audit().Record(currentUsername(c), "device_test", device.Hostname, audit.ResultSuccess)
	return ok(c, map[string]interface{}{
		"success":  true,
		"message":  message,
		"duration": time.Since(start).Milliseconds(),
	})
}

// listDeviceTags returns the distinct set of tags across all devices, used by
// the console's schedule target picker.
func listDeviceTags(c echo.Context) error {
	var devices []domain.NetDevice
	if err := GetDB(c).Select("tags").Find(&devices).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query device tags", err.Error())
	}
	seen := map[string]bool{}
	tags := []string{}
	for _, d := range devices {
		for _, t := range d.TagList() {
			lt := strings.ToLower(t)
			if !seen[lt] {
				seen[lt] = true
				tags = append(tags, t)
			}
		}
	}
	return ok(c, tags)
}

func listVendors(c echo.Context) error {
	return ok(c, domain.Vendors())
}
