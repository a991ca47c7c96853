package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/plomgrading/plom-sub001/internal/models"
)

// PostgresPool is the slice of the pgxpool.Pool API the services use.
type PostgresPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const (
	// PriorityBound is the exclusive upper bound for shuffle priorities.
	PriorityBound = 1000.0
	// ScoreTolerance is the largest difference allowed between a submitted
	// score and the score recomputed from rubric values.
	ScoreTolerance = 1e-9
)

const (
	StrategyShuffle     = "shuffle"
	StrategyPaperNumber = "paper_number"
	StrategyCustom      = "custom"
)

var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrTaskVersionMismatch  = errors.New("task version mismatch")
	ErrInvalidQuestionIndex = errors.New("invalid question index")
	ErrConcurrentCreate     = errors.New("concurrent create for pair")
	ErrNoTasksAvailable     = errors.New("no tasks available")
	ErrAlreadyClaimed       = errors.New("task already claimed")
	ErrTaskNotClaimable     = errors.New("task not claimable")
	ErrStaleTask            = errors.New("stale task")
	ErrScoreConflict        = errors.New("score conflict")
	ErrMissingRubric        = errors.New("rubric does not exist")
	ErrWrongQuestionRubric  = errors.New("rubric belongs to another question")
	ErrStaleRubric          = errors.New("rubric revision is not the latest")
	ErrUnpublishedRubric    = errors.New("rubric revision is not published")
	ErrIntegrityAnomaly     = errors.New("integrity anomaly")
	ErrNoSuchTag            = errors.New("no such tag")
	ErrNotTagged            = errors.New("task does not carry that tag")
	ErrInvalidTagText       = errors.New("invalid tag text")
	ErrAnnotationNotFound   = errors.New("annotation not found")
	ErrNoSuchPaper          = errors.New("no task known for that pair")
	ErrNotPermitted         = errors.New("caller is not permitted")
	ErrUnknownStrategy      = errors.New("unknown priority strategy")

	ErrUserNotFound         = errors.New("reviewer not found")
	ErrUserAlreadyExists    = errors.New("reviewer already exists")
	ErrUserPasswordMismatch = errors.New("reviewer password mismatch")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExpired       = errors.New("session expired")
)

// ClaimConflictError reports that a task could not be claimed or surrendered
// because somebody else holds it. An expected outcome under contention, not
// an exceptional one.
type ClaimConflictError struct {
	Code   string
	HeldBy string
}

func (e *ClaimConflictError) Error() string {
	if e.HeldBy == "" {
		return fmt.Sprintf("task %s is not claimable", e.Code)
	}
	return fmt.Sprintf("task %s is already claimed by %s", e.Code, e.HeldBy)
}

func (e *ClaimConflictError) Unwrap() error { return ErrAlreadyClaimed }

// ScoreConflictError reports that the server-side recomputed score differs
// from the one the client supplied. Nothing is persisted when it occurs.
type ScoreConflictError struct {
	Given    float64
	Computed float64
}

func (e *ScoreConflictError) Error() string {
	return fmt.Sprintf("submitted score %g conflicts with rubric total %g", e.Given, e.Computed)
}

func (e *ScoreConflictError) Unwrap() error { return ErrScoreConflict }

// RubricError reports which rubric usage failed validation and why. Kind is
// one of ErrMissingRubric, ErrWrongQuestionRubric, ErrStaleRubric or
// ErrUnpublishedRubric.
type RubricError struct {
	Kind     error
	RubricID int64
	Revision int
}

func (e *RubricError) Error() string {
	return fmt.Sprintf("rubric %d rev %d: %s", e.RubricID, e.Revision, e.Kind.Error())
}

func (e *RubricError) Unwrap() error { return e.Kind }

// PaperQuestion identifies one gradable pair.
type PaperQuestion struct {
	Paper    int
	Question int
}

type CreateTaskParams struct {
	Paper    int
	Question int
	Version  int
	// CopyTags carries the most recent predecessor's tags onto the new task.
	CopyTags bool
}

// CreateTaskResult reports the whole transition: the new current task and
// the predecessor it retired, nil when the pair had no current task.
type CreateTaskResult struct {
	Created *models.Task
	Retired *models.Task
}

type ListTasksParams struct {
	Status   string
	Question int
	Limit    uint32
	Offset   uint32
}

type TaskService interface {
	// Create inserts a fresh to_do task for the pair, retiring any prior
	// non-out_of_date task in the same transaction. It returns
	// ErrInvalidQuestionIndex if the question index is not positive.
	Create(ctx context.Context, params CreateTaskParams) (*CreateTaskResult, error)

	// GetCurrent returns the pair's current (non-out_of_date) task. It
	// returns ErrTaskNotFound if none exists, or ErrTaskVersionMismatch if
	// version is non-nil and the current task carries a different one.
	GetCurrent(ctx context.Context, paper, question int, version *int) (*models.Task, error)

	List(ctx context.Context, params ListTasksParams) ([]*models.Task, error)
}

type PriorityService interface {
	// Recompute rewrites the priority of every to_do task under the named
	// strategy (shuffle or paper_number) and clears their modified flags.
	// Tasks in any other status are untouched. It returns how many rows
	// were rewritten.
	Recompute(ctx context.Context, strategy string) (int64, error)

	// RecomputeCustom applies a caller-supplied (paper, question) ->
	// priority mapping to the to_do tasks it names; unnamed tasks keep
	// their prior priority, including manual overrides.
	RecomputeCustom(ctx context.Context, priorities map[PaperQuestion]float64) (int64, error)

	// SetPriority manually overrides one task's priority and marks it
	// modified so later bulk custom recomputes leave it alone unless they
	// name it explicitly.
	SetPriority(ctx context.Context, taskID string, priority float64) error
}

type ProbeParams struct {
	Reviewer      string
	Question      *int
	Version       *int
	MinPaper      *int
	MaxPaper      *int
	PreferredTags []string
}

// ProbeResult is a read-only snapshot of the best matching claimable task.
type ProbeResult struct {
	Task *models.Task
	Tags []string
}

type ReassignParams struct {
	TaskID      string
	NewReviewer string
	Caller      string
	CallerRole  string
	// UnassignOthers strips other reviewers' earmark tags before attaching
	// the new one.
	UnassignOthers bool
}

type ClaimService interface {
	// Probe returns the best claimable task matching the filter, or
	// ErrNoTasksAvailable. It reserves nothing; losing the race between
	// Probe and Claim is expected.
	Probe(ctx context.Context, params ProbeParams) (*ProbeResult, error)

	// Claim exclusively assigns a to_do task to the reviewer. It returns a
	// *ClaimConflictError naming the holder when the task is gone or held.
	Claim(ctx context.Context, taskID, reviewer string) (*models.Task, error)

	// Surrender returns an out task held by the reviewer to the to_do pool.
	Surrender(ctx context.Context, taskID, reviewer string) error

	// SurrenderAll releases every out task the reviewer holds and returns
	// how many were released. Meant for bulk release on session end.
	SurrenderAll(ctx context.Context, reviewer string) (int64, error)

	// Reassign administratively moves a task to another reviewer. Complete
	// tasks keep their status and annotations; anything else is forced back
	// to to_do with an earmark for the new reviewer. It returns
	// ErrNotPermitted for a non-lead caller.
	Reassign(ctx context.Context, params ReassignParams) (*models.Task, error)
}

type SubmitParams struct {
	Paper          int
	Question       int
	Claimant       string
	IntegrityToken string
	Score          float64
	TimeSpentMS    int64
	RubricUsage    []models.RubricUsage
	ImageRef       string
	// AllowStaleRubric skips the latest/published revision checks.
	AllowStaleRubric bool
}

type AnnotationService interface {
	// Submit validates and records one scored grading as a single atomic
	// unit: integrity-token check, rubric validation, server-side score
	// recomputation, then annotation + usage links + latest pointer +
	// complete status. Any failure leaves prior committed state untouched.
	Submit(ctx context.Context, params SubmitParams) (*models.Annotation, error)

	// GetLatest returns the task's newest annotation, checking that the
	// latest-annotation pointer and the max-edition row agree.
	GetLatest(ctx context.Context, taskID string) (*models.Annotation, error)

	GetByEdition(ctx context.Context, taskID string, edition int) (*models.Annotation, error)
}

type TagService interface {
	// CreateOrGet returns the tag with the given text, creating it if
	// needed. Idempotent. It returns ErrInvalidTagText before any mutation.
	CreateOrGet(ctx context.Context, text string) (*models.Tag, error)

	// Attach links an existing tag to a task. Idempotent.
	Attach(ctx context.Context, taskID, text string) error

	// Detach removes the link. It returns ErrNoSuchTag when the tag text is
	// unknown and ErrNotTagged when the tag exists but the task does not
	// carry it.
	Detach(ctx context.Context, taskID, text string) error

	TagsOfTask(ctx context.Context, taskID string) ([]*models.Tag, error)
}

// GradableChecker reports whether a pair still has gradable material and at
// which content version. Supplied by an external collaborator; the outdating
// supervisor consults it before creating a replacement task.
type GradableChecker func(ctx context.Context, paper, question int) (version int, gradable bool, err error)

// OutdateResult reports the retired task and the replacement, nil when the
// pair had no gradable material left.
type OutdateResult struct {
	Retired  *models.Task
	Replaced *models.Task
}

type OutdateService interface {
	// SetOutdated irreversibly retires the pair's current task and, when
	// the readiness check still reports gradable material, creates a
	// replacement to_do task within the same operation. It returns
	// ErrNoSuchPaper when the pair has never had a task and
	// ErrIntegrityAnomaly when more than one current task exists.
	SetOutdated(ctx context.Context, paper, question int) (*OutdateResult, error)
}

type RubricService interface {
	ListByQuestion(ctx context.Context, question int) ([]*models.Rubric, error)
}

type LoginParams struct {
	Username string
	Password string
}

type LoginResult struct {
	ReviewerID            string
	Username              string
	Role                  string
	SessionID             string
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

type RefreshParams struct {
	RefreshToken string
}

type AuthService interface {
	// Register creates a reviewer account with an argon2id password hash.
	// It returns ErrUserAlreadyExists if the username is taken.
	Register(ctx context.Context, params LoginParams) (*LoginResult, error)

	// Login authenticates a reviewer, replaces their sessions and issues a
	// fresh JWT token pair. It returns ErrUserNotFound or
	// ErrUserPasswordMismatch.
	Login(ctx context.Context, params LoginParams) (*LoginResult, error)

	// Refresh rotates the session named by the refresh token. It returns
	// ErrSessionNotFound or ErrSessionExpired.
	Refresh(ctx context.Context, params RefreshParams) (*LoginResult, error)

	// Logout invalidates all sessions of the reviewer.
	Logout(ctx context.Context, reviewerID string) error

	// ParseJWTToken parses the given JWT token and returns the registered
	// claims or jwt.ErrTokenExpired if the token is expired.
	ParseJWTToken(token string) (*jwt.RegisteredClaims, error)
}

type SessionService interface {
	// GetReviewer resolves the reviewer a session belongs to.
	GetReviewer(ctx context.Context, sessionID string) (*models.Reviewer, error)
}
