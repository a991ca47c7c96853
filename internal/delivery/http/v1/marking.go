package v1

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/plomgrading/plom-sub001/internal/config"
	"github.com/plomgrading/plom-sub001/internal/models"
	"github.com/plomgrading/plom-sub001/internal/services"
)

type taskResponse struct {
	Code           string    `json:"code"`
	IntegrityToken string    `json:"integrity_token"`
	Paper          int       `json:"paper"`
	Question       int       `json:"question"`
	Version        int       `json:"version"`
	Status         string    `json:"status"`
	AssignedTo     string    `json:"assigned_to,omitempty"`
	Priority       float64   `json:"priority"`
	Tags           []string  `json:"tags,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func newTaskResponse(task *models.Task, tags []string) taskResponse {
	return taskResponse{
		Code:           task.Code,
		IntegrityToken: task.ID,
		Paper:          task.Paper,
		Question:       task.Question,
		Version:        task.Version,
		Status:         task.Status,
		AssignedTo:     task.AssignedTo,
		Priority:       task.Priority,
		Tags:           tags,
		CreatedAt:      task.CreatedAt,
	}
}

type annotationResponse struct {
	TaskID      string    `json:"integrity_token"`
	Edition     int       `json:"edition"`
	Score       float64   `json:"score"`
	TimeSpentMS int64     `json:"time_spent_ms"`
	Author      string    `json:"author"`
	ImageRef    string    `json:"image_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func newAnnotationResponse(annotation *models.Annotation) annotationResponse {
	return annotationResponse{
		TaskID:      annotation.TaskID,
		Edition:     annotation.Edition,
		Score:       annotation.Score,
		TimeSpentMS: annotation.TimeSpentMS,
		Author:      annotation.Author,
		ImageRef:    annotation.ImageRef,
		CreatedAt:   annotation.CreatedAt,
	}
}

// optionalIntQuery parses an optional integer query parameter, reporting
// malformed input through ok=false.
func optionalIntQuery(c *gin.Context, name string) (value *int, ok bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return nil, false
	}
	return &parsed, true
}

// resolveTaskByCode decodes the :code path parameter and fetches the pair's
// current task, aborting with the right status on failure.
func (h *handlerImpl) resolveTaskByCode(c *gin.Context) (*models.Task, bool) {
	paper, question, err := models.DecodeTaskCode(c.Param("code"))
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("malformed task code")
		abort(c, newBadRequestError(err.Error()))
		return nil, false
	}

	version, ok := optionalIntQuery(c, "version")
	if !ok {
		abort(c, newBadRequestError("malformed version"))
		return nil, false
	}

	task, err := h.tasks.GetCurrent(c, paper, question, version)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrTaskNotFound):
			abort(c, newNotFoundError("no current task for that code"))
		case errors.Is(err, services.ErrTaskVersionMismatch):
			abort(c, newConflictError("current task has a different version"))
		default:
			c.AbortWithStatus(http.StatusInternalServerError)
		}
		return nil, false
	}
	return task, true
}

// createTaskRequest carries no required tags on the pair: paper 0 is a valid
// paper, and a non-positive question is rejected in the service with a typed
// error rather than a bind failure.
type createTaskRequest struct {
	Paper    int  `json:"paper"`
	Question int  `json:"question"`
	Version  int  `json:"version"`
	CopyTags bool `json:"copy_tags"`
}

func (h *handlerImpl) HandleCreateTask(c *gin.Context) {
	var request createTaskRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.logger.Error().
			Err(err).
			Msg("failed to bind the create task request")
		abort(c, newBadRequestError(err.Error()))
		return
	}

	result, err := h.tasks.Create(c, services.CreateTaskParams{
		Paper:    request.Paper,
		Question: request.Question,
		Version:  request.Version,
		CopyTags: request.CopyTags,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidQuestionIndex):
			abort(c, newBadRequestError("question index must be positive"))
		case errors.Is(err, services.ErrConcurrentCreate):
			abort(c, newConflictError("concurrent create for that pair"))
		default:
			c.AbortWithStatus(http.StatusInternalServerError)
		}
		return
	}

	response := gin.H{"created": newTaskResponse(result.Created, nil)}
	if result.Retired != nil {
		response["retired"] = newTaskResponse(result.Retired, nil)
	}
	c.JSON(http.StatusCreated, response)
}

func (h *handlerImpl) HandleListTasks(c *gin.Context) {
	question, ok := optionalIntQuery(c, "question")
	if !ok {
		abort(c, newBadRequestError("malformed question"))
		return
	}

	params := services.ListTasksParams{Status: c.Query("status")}
	if question != nil {
		params.Question = *question
	}
	if limit, ok := optionalIntQuery(c, "limit"); ok && limit != nil && *limit > 0 {
		params.Limit = uint32(*limit)
	}
	if offset, ok := optionalIntQuery(c, "offset"); ok && offset != nil && *offset > 0 {
		params.Offset = uint32(*offset)
	}

	tasks, err := h.tasks.List(c, params)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	response := make([]taskResponse, len(tasks))
	for i, task := range tasks {
		response[i] = newTaskResponse(task, nil)
	}
	c.JSON(http.StatusOK, response)
}

func (h *handlerImpl) HandleProbeNextTask(c *gin.Context) {
	reviewer, _, ok := callingReviewer(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	params := services.ProbeParams{Reviewer: reviewer}
	if params.Question, ok = optionalIntQuery(c, "question"); !ok {
		abort(c, newBadRequestError("malformed question"))
		return
	}
	if params.Version, ok = optionalIntQuery(c, "version"); !ok {
		abort(c, newBadRequestError("malformed version"))
		return
	}
	if params.MinPaper, ok = optionalIntQuery(c, "min_paper"); !ok {
		abort(c, newBadRequestError("malformed min_paper"))
		return
	}
	if params.MaxPaper, ok = optionalIntQuery(c, "max_paper"); !ok {
		abort(c, newBadRequestError("malformed max_paper"))
		return
	}
	if tags := c.Query("tags"); tags != "" {
		params.PreferredTags = strings.Split(tags, ",")
	}

	result, err := h.claims.Probe(c, params)
	if err != nil {
		if errors.Is(err, services.ErrNoTasksAvailable) {
			c.Status(http.StatusNoContent)
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, newTaskResponse(result.Task, result.Tags))
}

func (h *handlerImpl) HandleClaimTask(c *gin.Context) {
	reviewer, _, ok := callingReviewer(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	task, ok := h.resolveTaskByCode(c)
	if !ok {
		return
	}

	claimed, err := h.claims.Claim(c, task.ID, reviewer)
	if err != nil {
		var conflict *services.ClaimConflictError
		if errors.As(err, &conflict) {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error":   "already claimed",
				"held_by": conflict.HeldBy,
			})
			return
		}
		if errors.Is(err, services.ErrTaskNotFound) {
			abort(c, newNotFoundError("task disappeared"))
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, newTaskResponse(claimed, nil))
}

func (h *handlerImpl) HandleSurrenderTask(c *gin.Context) {
	reviewer, _, ok := callingReviewer(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	task, ok := h.resolveTaskByCode(c)
	if !ok {
		return
	}

	err := h.claims.Surrender(c, task.ID, reviewer)
	if err != nil {
		if errors.Is(err, services.ErrTaskNotClaimable) {
			abort(c, newConflictError("task is not held by you"))
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlerImpl) HandleSurrenderAll(c *gin.Context) {
	reviewer, _, ok := callingReviewer(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	released, err := h.claims.SurrenderAll(c, reviewer)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

type submitAnnotationRequest struct {
	IntegrityToken string  `json:"integrity_token" binding:"required"`
	Score          float64 `json:"score"`
	TimeSpentMS    int64   `json:"time_spent_ms"`
	Rubrics        []struct {
		ID       int64 `json:"id"`
		Revision int   `json:"revision"`
	} `json:"rubrics" binding:"required"`
	ImageRef         string `json:"image_ref"`
	AllowStaleRubric bool   `json:"allow_stale_rubric"`
}

func (h *handlerImpl) HandleSubmitAnnotation(c *gin.Context) {
	reviewer, _, ok := callingReviewer(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	paper, question, err := models.DecodeTaskCode(c.Param("code"))
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("malformed task code")
		abort(c, newBadRequestError(err.Error()))
		return
	}

	var req submitAnnotationRequest
	err = c.ShouldBindJSON(&req)
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("failed to bind json")
		abort(c, newBadRequestError("invalid request body"))
		return
	}

	usage := make([]models.RubricUsage, len(req.Rubrics))
	for i, r := range req.Rubrics {
		usage[i] = models.RubricUsage{RubricID: r.ID, Revision: r.Revision}
	}

	annotation, err := h.annotations.Submit(c, services.SubmitParams{
		Paper:            paper,
		Question:         question,
		Claimant:         reviewer,
		IntegrityToken:   req.IntegrityToken,
		Score:            req.Score,
		TimeSpentMS:      req.TimeSpentMS,
		RubricUsage:      usage,
		ImageRef:         req.ImageRef,
		AllowStaleRubric: req.AllowStaleRubric,
	})
	if err != nil {
		h.abortSubmitError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newAnnotationResponse(annotation))
}

func (h *handlerImpl) abortSubmitError(c *gin.Context, err error) {
	var (
		scoreConflict *services.ScoreConflictError
		claimConflict *services.ClaimConflictError
		rubricErr     *services.RubricError
	)
	switch {
	case errors.Is(err, services.ErrStaleTask):
		// Not retriable with the same payload; the caller must re-probe.
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "stale task, re-probe"})
	case errors.As(err, &scoreConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":    "score conflict",
			"given":    scoreConflict.Given,
			"computed": scoreConflict.Computed,
		})
	case errors.As(err, &claimConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":   "task held by another reviewer",
			"held_by": claimConflict.HeldBy,
		})
	case errors.Is(err, services.ErrTaskNotClaimable):
		abort(c, newConflictError("task is not in a submittable state"))
	case errors.As(err, &rubricErr):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error":    rubricErr.Error(),
			"rubric":   rubricErr.RubricID,
			"revision": rubricErr.Revision,
		})
	default:
		c.AbortWithStatus(http.StatusInternalServerError)
	}
}

func (h *handlerImpl) HandleGetLatestAnnotation(c *gin.Context) {
	task, ok := h.resolveTaskByCode(c)
	if !ok {
		return
	}

	annotation, err := h.annotations.GetLatest(c, task.ID)
	if err != nil {
		if errors.Is(err, services.ErrAnnotationNotFound) {
			abort(c, newNotFoundError("task has no annotations"))
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, newAnnotationResponse(annotation))
}

func (h *handlerImpl) HandleGetAnnotationByEdition(c *gin.Context) {
	task, ok := h.resolveTaskByCode(c)
	if !ok {
		return
	}

	edition, err := strconv.Atoi(c.Param("edition"))
	if err != nil {
		abort(c, newBadRequestError("malformed edition"))
		return
	}

	annotation, err := h.annotations.GetByEdition(c, task.ID, edition)
	if err != nil {
		if errors.Is(err, services.ErrAnnotationNotFound) {
			abort(c, newNotFoundError("no annotation with that edition"))
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, newAnnotationResponse(annotation))
}

type attachTagRequest struct {
	Text string `json:"text" binding:"required,max=255"`
}

func (h *handlerImpl) HandleAttachTag(c *gin.Context) {
	task, ok := h.resolveTaskByCode(c)
	if !ok {
		return
	}

	var req attachTagRequest
	err := c.ShouldBindJSON(&req)
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("failed to bind json")
		abort(c, newBadRequestError("invalid request body"))
		return
	}

	tag, err := h.tags.CreateOrGet(c, req.Text)
	if err != nil {
		if errors.Is(err, services.ErrInvalidTagText) {
			abort(c, newUnprocessableError("invalid tag text"))
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	err = h.tags.Attach(c, task.ID, tag.Text)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlerImpl) HandleDetachTag(c *gin.Context) {
	task, ok := h.resolveTaskByCode(c)
	if !ok {
		return
	}

	err := h.tags.Detach(c, task.ID, c.Param("text"))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNoSuchTag):
			abort(c, newNotFoundError("no such tag"))
		case errors.Is(err, services.ErrNotTagged):
			abort(c, newConflictError("task does not carry that tag"))
		default:
			c.AbortWithStatus(http.StatusInternalServerError)
		}
		return
	}
	c.Status(http.StatusNoContent)
}

type reassignRequest struct {
	NewReviewer    string `json:"new_reviewer" binding:"required,max=255"`
	UnassignOthers bool   `json:"unassign_others"`
}

func (h *handlerImpl) HandleReassignTask(c *gin.Context) {
	caller, role, ok := callingReviewer(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	task, ok := h.resolveTaskByCode(c)
	if !ok {
		return
	}

	var req reassignRequest
	err := c.ShouldBindJSON(&req)
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("failed to bind json")
		abort(c, newBadRequestError("invalid request body"))
		return
	}

	reassigned, err := h.claims.Reassign(c, services.ReassignParams{
		TaskID:         task.ID,
		NewReviewer:    req.NewReviewer,
		Caller:         caller,
		CallerRole:     role,
		UnassignOthers: req.UnassignOthers,
	})
	if err != nil {
		if errors.Is(err, services.ErrNotPermitted) {
			abort(c, newForbiddenError("lead role required"))
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, newTaskResponse(reassigned, nil))
}

type setPriorityRequest struct {
	Priority float64 `json:"priority"`
}

func (h *handlerImpl) HandleSetTaskPriority(c *gin.Context) {
	task, ok := h.resolveTaskByCode(c)
	if !ok {
		return
	}

	var req setPriorityRequest
	err := c.ShouldBindJSON(&req)
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("failed to bind json")
		abort(c, newBadRequestError("invalid request body"))
		return
	}

	err = h.priorities.SetPriority(c, task.ID, req.Priority)
	if err != nil {
		if errors.Is(err, services.ErrTaskNotFound) {
			abort(c, newNotFoundError("task disappeared"))
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

type recomputePrioritiesRequest struct {
	// Strategy defaults to the configured process-wide one when omitted.
	Strategy string `json:"strategy"`
	Custom   []struct {
		Paper    int     `json:"paper"`
		Question int     `json:"question"`
		Priority float64 `json:"priority"`
	} `json:"custom"`
}

func (h *handlerImpl) HandleRecomputePriorities(c *gin.Context) {
	var req recomputePrioritiesRequest
	err := c.ShouldBindJSON(&req)
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("failed to bind json")
		abort(c, newBadRequestError("invalid request body"))
		return
	}

	if req.Strategy == "" {
		req.Strategy = config.Global().Marking.PriorityStrategy
	}

	var updated int64
	if req.Strategy == services.StrategyCustom {
		priorities := make(map[services.PaperQuestion]float64, len(req.Custom))
		for _, entry := range req.Custom {
			priorities[services.PaperQuestion{
				Paper:    entry.Paper,
				Question: entry.Question,
			}] = entry.Priority
		}
		updated, err = h.priorities.RecomputeCustom(c, priorities)
	} else {
		updated, err = h.priorities.Recompute(c, req.Strategy)
	}
	if err != nil {
		if errors.Is(err, services.ErrUnknownStrategy) {
			abort(c, newBadRequestError("unknown strategy"))
			return
		}
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (h *handlerImpl) HandleOutdateTask(c *gin.Context) {
	paper, question, err := models.DecodeTaskCode(c.Param("code"))
	if err != nil {
		h.logger.Error().
			Err(err).
			Msg("malformed task code")
		abort(c, newBadRequestError(err.Error()))
		return
	}

	result, err := h.outdates.SetOutdated(c, paper, question)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrNoSuchPaper):
			abort(c, newNotFoundError("no task known for that pair"))
		case errors.Is(err, services.ErrIntegrityAnomaly):
			c.AbortWithStatus(http.StatusInternalServerError)
		default:
			c.AbortWithStatus(http.StatusInternalServerError)
		}
		return
	}

	response := gin.H{"retired": result.Retired != nil}
	if result.Replaced != nil {
		replacement := newTaskResponse(result.Replaced, nil)
		response["replacement"] = replacement
	}
	c.JSON(http.StatusOK, response)
}

type rubricResponse struct {
	ID        int64   `json:"id"`
	Revision  int     `json:"revision"`
	Question  int     `json:"question"`
	Value     float64 `json:"value"`
	Published bool    `json:"published"`
	Latest    bool    `json:"latest"`
	Text      string  `json:"text"`
}

func (h *handlerImpl) HandleListRubrics(c *gin.Context) {
	question, ok := optionalIntQuery(c, "question")
	if !ok || question == nil {
		abort(c, newBadRequestError("question is required"))
		return
	}

	rubrics, err := h.rubrics.ListByQuestion(c, *question)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	response := make([]rubricResponse, len(rubrics))
	for i, rubric := range rubrics {
		response[i] = rubricResponse{
			ID:        rubric.ID,
			Revision:  rubric.Revision,
			Question:  rubric.Question,
			Value:     rubric.Value,
			Published: rubric.Published,
			Latest:    rubric.Latest,
			Text:      rubric.Text,
		}
	}
	c.JSON(http.StatusOK, response)
}
