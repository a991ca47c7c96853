package v1

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/plomgrading/plom-sub001/internal/services"
)

type Handler interface {
	HandleRegister(c *gin.Context)
	HandleLogin(c *gin.Context)
	HandleRefresh(c *gin.Context)
	HandleLogout(c *gin.Context)
	HandleAuthMiddleware(c *gin.Context)
	HandleLeadOnlyMiddleware(c *gin.Context)

	HandleCreateTask(c *gin.Context)
	HandleListTasks(c *gin.Context)
	HandleProbeNextTask(c *gin.Context)
	HandleClaimTask(c *gin.Context)
	HandleSurrenderTask(c *gin.Context)
	HandleSurrenderAll(c *gin.Context)
	HandleSubmitAnnotation(c *gin.Context)
	HandleGetLatestAnnotation(c *gin.Context)
	HandleGetAnnotationByEdition(c *gin.Context)
	HandleAttachTag(c *gin.Context)
	HandleDetachTag(c *gin.Context)
	HandleReassignTask(c *gin.Context)
	HandleSetTaskPriority(c *gin.Context)
	HandleRecomputePriorities(c *gin.Context)
	HandleOutdateTask(c *gin.Context)
	HandleListRubrics(c *gin.Context)
}

type handlerImpl struct {
	logger      zerolog.Logger
	auth        services.AuthService
	sessions    services.SessionService
	tasks       services.TaskService
	claims      services.ClaimService
	annotations services.AnnotationService
	tags        services.TagService
	priorities  services.PriorityService
	outdates    services.OutdateService
	rubrics     services.RubricService
}

type Services struct {
	Auth        services.AuthService
	Sessions    services.SessionService
	Tasks       services.TaskService
	Claims      services.ClaimService
	Annotations services.AnnotationService
	Tags        services.TagService
	Priorities  services.PriorityService
	Outdates    services.OutdateService
	Rubrics     services.RubricService
}

func New(logger zerolog.Logger, svc Services) Handler {
	return &handlerImpl{
		logger:      logger,
		auth:        svc.Auth,
		sessions:    svc.Sessions,
		tasks:       svc.Tasks,
		claims:      svc.Claims,
		annotations: svc.Annotations,
		tags:        svc.Tags,
		priorities:  svc.Priorities,
		outdates:    svc.Outdates,
		rubrics:     svc.Rubrics,
	}
}
