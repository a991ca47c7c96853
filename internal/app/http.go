package app

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/plomgrading/plom-sub001/internal/config"
	v1 "github.com/plomgrading/plom-sub001/internal/delivery/http/v1"
	"github.com/plomgrading/plom-sub001/internal/services"
)

func MustListenAndServeHTTP() {
	cfg := config.Global()
	if cfg.Env != config.EnvLocal {
		gin.SetMode(gin.ReleaseMode)
	}

	httpCfg := cfg.HTTP

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	registerRoutes(router)

	server := &http.Server{
		Addr:    net.JoinHostPort(httpCfg.Host, httpCfg.Port),
		Handler: router,
	}

	go func() {
		globalLogger.Info().
			Str("host", httpCfg.Host).
			Str("port", httpCfg.Port).
			Msg("setting up http server")
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			globalLogger.Error().
				Err(err).
				Msg("failed to listen and serve http")
			panic(err)
		}
	}()

	// Wait for the interrupt signal to gracefully
	// shut down the server with a timeout of 5 seconds.
	quit := make(chan os.Signal, 1)
	// kill (no params) by default sends syscall.SIGTERM
	// kill -2 is syscall.SIGINT
	// kill -9 is syscall.SIGKILL but can't be caught, so don't need to add it
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	globalLogger.Info().
		Msg("shutting down http server")

	ctx, cancel := context.WithTimeout(context.Background(), httpCfg.ShutdownTimeout)
	defer cancel()

	err := server.Shutdown(ctx)
	if err != nil {
		globalLogger.Error().
			Err(err).
			Msg("failed to shutdown http server")
		panic(err)
	}
	globalLogger.Info().Msg("shut down http server")
}

func registerRoutes(router gin.IRouter) {
	cfg := config.Global()

	seed := cfg.Marking.ShuffleSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	v1Handler := v1.New(globalLogger, v1.Services{
		Auth: services.NewAuthService(
			globalLogger,
			globalPostgresPool,
			cfg.JWT.Issuer,
			cfg.JWT.SigningKey,
			cfg.JWT.AccessTokenTTL,
			cfg.JWT.RefreshTokenTTL,
		),
		Sessions:    services.NewSessionService(globalLogger, globalPostgresPool),
		Tasks:       services.NewTaskService(globalLogger, globalPostgresPool),
		Claims:      services.NewClaimService(globalLogger, globalPostgresPool),
		Annotations: services.NewAnnotationService(globalLogger, globalPostgresPool),
		Tags:        services.NewTagService(globalLogger, globalPostgresPool),
		Priorities:  services.NewPriorityService(globalLogger, globalPostgresPool, rng),
		Outdates:    services.NewOutdateService(globalLogger, globalPostgresPool, defaultGradableChecker),
		Rubrics:     services.NewRubricService(globalLogger, globalPostgresPool),
	})

	router = router.Group("/api/v1")

	authRouter := router.Group("/auth")
	authRouter.POST("/register", v1Handler.HandleRegister)
	authRouter.POST("/login", v1Handler.HandleLogin)
	authRouter.POST("/refresh", v1Handler.HandleRefresh)
	authRouter.POST("/logout", v1Handler.HandleAuthMiddleware, v1Handler.HandleLogout)

	markingRouter := router.Group("/marking", v1Handler.HandleAuthMiddleware)
	markingRouter.GET("/tasks", v1Handler.HandleListTasks)
	markingRouter.GET("/tasks/next", v1Handler.HandleProbeNextTask)
	markingRouter.PATCH("/tasks/:code/claim", v1Handler.HandleClaimTask)
	markingRouter.PATCH("/tasks/:code/surrender", v1Handler.HandleSurrenderTask)
	markingRouter.POST("/surrender-all", v1Handler.HandleSurrenderAll)
	markingRouter.POST("/tasks/:code/annotations", v1Handler.HandleSubmitAnnotation)
	markingRouter.GET("/tasks/:code/annotations/latest", v1Handler.HandleGetLatestAnnotation)
	markingRouter.GET("/tasks/:code/annotations/:edition", v1Handler.HandleGetAnnotationByEdition)
	markingRouter.PATCH("/tasks/:code/tags", v1Handler.HandleAttachTag)
	markingRouter.DELETE("/tasks/:code/tags/:text", v1Handler.HandleDetachTag)

	adminRouter := markingRouter.Group("", v1Handler.HandleLeadOnlyMiddleware)
	adminRouter.POST("/tasks", v1Handler.HandleCreateTask)
	adminRouter.PATCH("/tasks/:code/reassign", v1Handler.HandleReassignTask)
	adminRouter.PATCH("/tasks/:code/priority", v1Handler.HandleSetTaskPriority)
	adminRouter.POST("/priority/recompute", v1Handler.HandleRecomputePriorities)
	adminRouter.POST("/tasks/:code/outdate", v1Handler.HandleOutdateTask)

	rubricsRouter := router.Group("/rubrics", v1Handler.HandleAuthMiddleware)
	rubricsRouter.GET("", v1Handler.HandleListRubrics)
}

// defaultGradableChecker reports whether a pair still has gradable material.
// Page-image storage lives outside this service; until a collaborator is
// wired in, a pair is considered gradable at its last known content version
// when auto-replacement is enabled.
func defaultGradableChecker(ctx context.Context, paper, question int) (int, bool, error) {
	if !config.Global().Marking.AutoReplace {
		return 0, false, nil
	}

	const selectLastVersionQuery = `
SELECT COALESCE(MAX(version), 0)
FROM tasks
WHERE paper = $1 AND question = $2
`
	var version int
	err := globalPostgresPool.QueryRow(ctx, selectLastVersionQuery, paper, question).Scan(&version)
	if err != nil {
		return 0, false, err
	}
	return version, version > 0, nil
}
