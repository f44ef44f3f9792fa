// Package webserver hosts the admin REST API consumed by the web console.
package webserver

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/confkeeper/confkeeper/internal/app"
)

const (
	ContextAppKey  = "appctx"
	ContextUserKey = "user"
	APIPrefix      = "/api/v1"
)

// SessionClaims is the JWT payload issued at login.
type SessionClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

type payloadValidator struct {
	validate *validator.Validate
}

func (v *payloadValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

type WebServer struct {
	root   *echo.Echo
	public *echo.Group
	api    *echo.Group
	appCtx app.AppContext
}

var server *WebServer

// Init builds the echo server: public routes, JWT-protected API group, and
// context injection for handlers.
func Init(appCtx app.AppContext) {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &payloadValidator{validate: validator.New()}

	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(ContextAppKey, appCtx)
			return next(c)
		}
	})

	public := e.Group(APIPrefix)

	api := e.Group(APIPrefix)
	api.Use(echojwt.WithConfig(echojwt.Config{
		SigningKey: []byte(appCtx.Config().System.SecretKey),
		ContextKey: ContextUserKey,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return new(SessionClaims)
		},
	}))

	server = &WebServer{root: e, public: public, api: api, appCtx: appCtx}
}

// Listen blocks serving the configured address.
func Listen() error {
	cfg := server.appCtx.Config().Web
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	zap.L().Info("admin api listening", zap.String("addr", addr))
	return server.root.Start(addr)
}

// Echo exposes the underlying server (used in tests).
func Echo() *echo.Echo {
	return server.root
}

// PubPOST registers an unauthenticated route (login only).
func PubPOST(path string, h echo.HandlerFunc) {
	server.public.POST(path, h)
}

func ApiGET(path string, h echo.HandlerFunc) {
	server.api.GET(path, h)
}

func ApiPOST(path string, h echo.HandlerFunc) {
	server.api.POST(path, h)
}

func ApiPUT(path string, h echo.HandlerFunc) {
	server.api.PUT(path, h)
}

func ApiDELETE(path string, h echo.HandlerFunc) {
	server.api.DELETE(path, h)
}

// Claims extracts the session claims placed by the JWT middleware.
func Claims(c echo.Context) *SessionClaims {
	token, ok := c.Get(ContextUserKey).(*jwt.Token)
	if !ok {
		return nil
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok {
		return nil
	}
	return claims
}

// AppCtx extracts the application context injected by Init.
func AppCtx(c echo.Context) app.AppContext {
	appCtx, _ := c.Get(ContextAppKey).(app.AppContext)
	return appCtx
}
