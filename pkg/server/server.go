// Package server contains the full set of handler functions and routes
// supported by the http api
package server

import (
	"context"
	"expvar"
	"os"

	sdkutil "github.com/TBD54566975/ssi-sdk/util"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbd54566975/ssi-relay/config"
	"github.com/tbd54566975/ssi-relay/internal/didauth"
	"github.com/tbd54566975/ssi-relay/pkg/server/framework"
	"github.com/tbd54566975/ssi-relay/pkg/server/middleware"
	"github.com/tbd54566975/ssi-relay/pkg/server/router"
	"github.com/tbd54566975/ssi-relay/pkg/service"
	"github.com/tbd54566975/ssi-relay/pkg/service/delivery"
	svcframework "github.com/tbd54566975/ssi-relay/pkg/service/framework"
)

const (
	HealthPrefix        = "/health"
	ReadinessPrefix     = "/readiness"
	MetricsPrefix       = "/metrics"
	DebugVarsPrefix     = "/debug/vars"
	V1Prefix            = "/v1"
	CredentialsPrefix   = "/credentials"
	PresentationsPrefix = "/presentations"
	PendingPrefix       = "/pending"
	AdminPrefix         = "/admin"
)

// SSIRelayServer exposes all dependencies needed to run a http server and all its services
type SSIRelayServer struct {
	*config.ServerConfig
	*service.SSIRelay
	*framework.Server
}

// NewSSIRelayServer does two things: instantiates all services and registers their HTTP bindings
func NewSSIRelayServer(ctx context.Context, shutdown chan os.Signal, cfg config.SSIRelayConfig) (*SSIRelayServer, error) {
	relay, err := service.InstantiateSSIRelay(ctx, cfg.Services, nil)
	if err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "unable to instantiate ssi relay")
	}
	return NewSSIRelayServerWithRelay(shutdown, cfg.Server, relay)
}

// NewSSIRelayServerWithRelay registers the HTTP bindings of services that are already running.
func NewSSIRelayServerWithRelay(shutdown chan os.Signal, cfg config.ServerConfig, relay *service.SSIRelay) (*SSIRelayServer, error) {
	// creates an HTTP server from the framework, and wrap it to extend it for the relay
	engine := setUpEngine(cfg, shutdown)
	httpServer := framework.NewServer(cfg, engine, shutdown)

	// service-level routers
	engine.GET(HealthPrefix, router.Health)
	engine.GET(ReadinessPrefix, router.Readiness(relay.GetServices()))
	engine.GET(MetricsPrefix, gin.WrapH(promhttp.Handler()))
	engine.GET(DebugVarsPrefix, gin.WrapH(expvar.Handler()))

	config.SetAPIBase(cfg.ServiceEndpoint)
	config.SetServicePath(svcframework.Presentation, PresentationsPrefix)

	// register all v1 routers
	v1 := engine.Group(V1Prefix)
	limiter := middleware.NewDIDLimiter(cfg.ClaimRatePerSecond, cfg.ClaimRateBurst, nil)
	if err := DeliveryAPI(v1, relay, limiter); err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "unable to instantiate Delivery API")
	}
	if err := PresentationAPI(v1, relay); err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "unable to instantiate Presentation API")
	}
	if err := AdminAPI(v1, relay, middleware.AdminAuth(cfg)); err != nil {
		return nil, sdkutil.LoggingErrorMsg(err, "unable to instantiate Admin API")
	}

	return &SSIRelayServer{
		Server:       httpServer,
		SSIRelay:     relay,
		ServerConfig: &cfg,
	}, nil
}

// setUpEngine creates the gin engine and sets up the middleware based on config
func setUpEngine(cfg config.ServerConfig, shutdown chan os.Signal) *gin.Engine {
	switch cfg.Environment {
	case config.EnvironmentDev:
		gin.SetMode(gin.DebugMode)
	case config.EnvironmentTest:
		gin.SetMode(gin.TestMode)
	case config.EnvironmentProd:
		gin.SetMode(gin.ReleaseMode)
	}

	middlewares := gin.HandlersChain{
		gin.Recovery(),
		middleware.Errors(shutdown),
		middleware.Logger(logrus.StandardLogger()),
		middleware.Metrics(),
	}
	if cfg.JagerEnabled {
		middlewares = append(gin.HandlersChain{otelgin.Middleware(config.ServiceName)}, middlewares...)
	}
	if cfg.EnableAllowAllCORS {
		middlewares = append(middlewares, middleware.CORS())
	}

	// set up engine and middleware
	engine := gin.New()
	engine.Use(middlewares...)
	return engine
}

// DeliveryAPI registers the claim and confirm routes of both delivery queues, and their submit routes.
func DeliveryAPI(rg *gin.RouterGroup, relay *service.SSIRelay, limiter *middleware.DIDLimiter) error {
	credentialRouter, err := router.NewDeliveryRouter(relay.Delivery, delivery.CredentialKind)
	if err != nil {
		return sdkutil.LoggingErrorMsg(err, "creating credential delivery router")
	}
	presentationRouter, err := router.NewDeliveryRouter(relay.Delivery, delivery.PresentationKind)
	if err != nil {
		return sdkutil.LoggingErrorMsg(err, "creating presentation delivery router")
	}

	auth := middleware.DIDAuth(relay.Authenticator)
	rateLimit := middleware.RateLimit(limiter)

	credentialAPI := rg.Group(CredentialsPrefix+PendingPrefix, auth)
	credentialAPI.PUT("", middleware.RequireRole(didauth.RoleIssuer), credentialRouter.SubmitCredential)
	registerQueue(credentialAPI, credentialRouter, rateLimit)

	presentationAPI := rg.Group(PresentationsPrefix+PendingPrefix, auth)
	presentationAPI.PUT("", presentationRouter.SharePresentation)
	registerQueue(presentationAPI, presentationRouter, rateLimit)
	return nil
}

func registerQueue(rg *gin.RouterGroup, r *router.DeliveryRouter, rateLimit gin.HandlerFunc) {
	rg.POST("/claim", rateLimit, r.Claim)
	rg.POST("/confirm", r.Confirm)
	rg.POST("/claim-batch", rateLimit, r.ClaimBatch)
	rg.POST("/confirm-batch", r.ConfirmBatch)
}

// PresentationAPI registers stored presentation routes
func PresentationAPI(rg *gin.RouterGroup, relay *service.SSIRelay) error {
	presentationRouter, err := router.NewPresentationRouter(relay.Presentation)
	if err != nil {
		return sdkutil.LoggingErrorMsg(err, "creating presentation router")
	}

	presentationAPI := rg.Group(PresentationsPrefix)
	presentationAPI.PUT("", middleware.DIDAuth(relay.Authenticator), presentationRouter.StorePresentation)
	presentationAPI.GET("/:id/verify", middleware.OptionalDIDAuth(relay.Authenticator), presentationRouter.VerifyPresentation)
	return nil
}

// AdminAPI registers operator routes behind adminAuth
func AdminAPI(rg *gin.RouterGroup, relay *service.SSIRelay, adminAuth gin.HandlerFunc) error {
	adminRouter, err := router.NewAdminRouter(relay.Delivery)
	if err != nil {
		return sdkutil.LoggingErrorMsg(err, "creating admin router")
	}

	adminAPI := rg.Group(AdminPrefix, adminAuth)
	adminAPI.POST("/reset-stuck", adminRouter.ResetStuck)
	adminAPI.GET("/deliveries", adminRouter.ListDeliveries)
	return nil
}
